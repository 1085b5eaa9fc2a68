package dimse

import "fmt"

// Status is a DIMSE response status code (PS3.7 Annex C).
type Status uint16

const (
	StatusSuccess               Status = 0x0000
	StatusNoSuchAttribute       Status = 0x0105
	StatusInvalidAttributeValue Status = 0x0106
	StatusProcessingFailure     Status = 0x0110
	StatusDuplicateSOPInstance  Status = 0x0111
	StatusNoSuchObjectInstance  Status = 0x0112
	StatusInvalidObjectInstance Status = 0x0117
	StatusNoSuchSOPClass        Status = 0x0118
	StatusClassInstanceConflict Status = 0x0119
	StatusMissingAttribute      Status = 0x0120
	StatusMissingAttributeValue Status = 0x0121
	StatusResourceLimitation    Status = 0x0213
	StatusUnrecognizedOperation Status = 0x0211
	StatusMistypedArgument      Status = 0x0212
)

var statusNames = map[Status]string{
	StatusSuccess:               "Success",
	StatusNoSuchAttribute:       "No Such Attribute",
	StatusInvalidAttributeValue: "Invalid Attribute Value",
	StatusProcessingFailure:     "Processing Failure",
	StatusDuplicateSOPInstance:  "Duplicate SOP Instance",
	StatusNoSuchObjectInstance:  "No Such Object Instance",
	StatusInvalidObjectInstance: "Invalid Object Instance",
	StatusNoSuchSOPClass:        "No Such SOP Class",
	StatusClassInstanceConflict: "Class Instance Conflict",
	StatusMissingAttribute:      "Missing Attribute",
	StatusMissingAttributeValue: "Missing Attribute Value",
	StatusResourceLimitation:    "Resource Limitation",
	StatusUnrecognizedOperation: "Unrecognized Operation",
	StatusMistypedArgument:      "Mistyped Argument",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (0x%04X)", n, uint16(s))
	}
	return fmt.Sprintf("0x%04X", uint16(s))
}

// IsSuccess reports whether the status is 0x0000.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// IsWarning reports a warning class status (0x0001, 0x0107, 0x0116, Bxxx).
func (s Status) IsWarning() bool {
	return s == 0x0001 || s == 0x0107 || s == 0x0116 || s&0xF000 == 0xB000
}
