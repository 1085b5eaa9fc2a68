package dicom

// VR is a DICOM value representation code.
type VR string

const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRAT VR = "AT"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRFD VR = "FD"
	VRFL VR = "FL"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VROD VR = "OD"
	VROF VR = "OF"
	VROL VR = "OL"
	VROV VR = "OV"
	VROW VR = "OW"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSL VR = "SL"
	VRSQ VR = "SQ"
	VRSS VR = "SS"
	VRST VR = "ST"
	VRSV VR = "SV"
	VRTM VR = "TM"
	VRUC VR = "UC"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUR VR = "UR"
	VRUS VR = "US"
	VRUT VR = "UT"
	VRUV VR = "UV"
)

type vrKind int

const (
	kindString vrKind = iota
	kindText
	kindInt
	kindFloat
	kindTag
	kindBytes
	kindSequence
)

type vrInfo struct {
	kind vrKind
	// width of one binary value in bytes (numeric VRs only)
	width int
	// explicit VR encoding uses the 2 reserved bytes + 4 byte length form
	long bool
	// padding byte used to reach even length
	pad byte
}

var vrTable = map[VR]vrInfo{
	VRAE: {kind: kindString, pad: ' '},
	VRAS: {kind: kindString, pad: ' '},
	VRCS: {kind: kindString, pad: ' '},
	VRDA: {kind: kindString, pad: ' '},
	VRDS: {kind: kindString, pad: ' '},
	VRDT: {kind: kindString, pad: ' '},
	VRIS: {kind: kindString, pad: ' '},
	VRLO: {kind: kindString, pad: ' '},
	VRPN: {kind: kindString, pad: ' '},
	VRSH: {kind: kindString, pad: ' '},
	VRTM: {kind: kindString, pad: ' '},
	VRUI: {kind: kindString, pad: 0x00},
	VRUC: {kind: kindString, pad: ' ', long: true},
	VRLT: {kind: kindText, pad: ' '},
	VRST: {kind: kindText, pad: ' '},
	VRUT: {kind: kindText, pad: ' ', long: true},
	VRUR: {kind: kindText, pad: ' ', long: true},
	VRUS: {kind: kindInt, width: 2},
	VRSS: {kind: kindInt, width: 2},
	VRUL: {kind: kindInt, width: 4},
	VRSL: {kind: kindInt, width: 4},
	VRUV: {kind: kindInt, width: 8, long: true},
	VRSV: {kind: kindInt, width: 8, long: true},
	VRFL: {kind: kindFloat, width: 4},
	VRFD: {kind: kindFloat, width: 8},
	VRAT: {kind: kindTag, width: 4},
	VROB: {kind: kindBytes, long: true},
	VROD: {kind: kindBytes, long: true, width: 8},
	VROF: {kind: kindBytes, long: true, width: 4},
	VROL: {kind: kindBytes, long: true, width: 4},
	VROV: {kind: kindBytes, long: true, width: 8},
	VROW: {kind: kindBytes, long: true, width: 2},
	VRUN: {kind: kindBytes, long: true},
	VRSQ: {kind: kindSequence, long: true},
}

// Known reports whether vr is a value representation this package can code.
func (vr VR) Known() bool {
	_, ok := vrTable[vr]
	return ok
}

func (vr VR) info() vrInfo {
	if inf, ok := vrTable[vr]; ok {
		return inf
	}
	return vrTable[VRUN]
}

// IsString reports whether values of this VR are held as strings.
func (vr VR) IsString() bool {
	k := vr.info().kind
	return k == kindString || k == kindText
}
