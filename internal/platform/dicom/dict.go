package dicom

type dictEntry struct {
	vr      VR
	keyword string
}

// dictionary covers the command group, file meta group, and the attributes of
// the Modality Performed Procedure Step IOD. Implicit VR decoding of tags not
// listed here falls back to UN.
var dictionary = map[Tag]dictEntry{
	CommandGroupLength:        {VRUL, "CommandGroupLength"},
	AffectedSOPClassUID:       {VRUI, "AffectedSOPClassUID"},
	RequestedSOPClassUID:      {VRUI, "RequestedSOPClassUID"},
	CommandField:              {VRUS, "CommandField"},
	MessageID:                 {VRUS, "MessageID"},
	MessageIDBeingRespondedTo: {VRUS, "MessageIDBeingRespondedTo"},
	CommandDataSetType:        {VRUS, "CommandDataSetType"},
	Status:                    {VRUS, "Status"},
	OffendingElement:          {VRAT, "OffendingElement"},
	ErrorComment:              {VRLO, "ErrorComment"},
	ErrorID:                   {VRUS, "ErrorID"},
	AffectedSOPInstanceUID:    {VRUI, "AffectedSOPInstanceUID"},
	RequestedSOPInstanceUID:   {VRUI, "RequestedSOPInstanceUID"},
	AttributeIdentifierList:   {VRAT, "AttributeIdentifierList"},

	FileMetaInformationGroupLength: {VRUL, "FileMetaInformationGroupLength"},
	FileMetaInformationVersion:     {VROB, "FileMetaInformationVersion"},
	MediaStorageSOPClassUID:        {VRUI, "MediaStorageSOPClassUID"},
	MediaStorageSOPInstanceUID:     {VRUI, "MediaStorageSOPInstanceUID"},
	TransferSyntaxUID:              {VRUI, "TransferSyntaxUID"},
	ImplementationClassUID:         {VRUI, "ImplementationClassUID"},
	ImplementationVersionName:      {VRSH, "ImplementationVersionName"},

	SpecificCharacterSet:                {VRCS, "SpecificCharacterSet"},
	SOPClassUID:                         {VRUI, "SOPClassUID"},
	SOPInstanceUID:                      {VRUI, "SOPInstanceUID"},
	AccessionNumber:                     {VRSH, "AccessionNumber"},
	RetrieveAETitle:                     {VRAE, "RetrieveAETitle"},
	Modality:                            {VRCS, "Modality"},
	CodeValue:                           {VRSH, "CodeValue"},
	CodingSchemeDesignator:              {VRSH, "CodingSchemeDesignator"},
	CodeMeaning:                         {VRLO, "CodeMeaning"},
	SeriesDescription:                   {VRLO, "SeriesDescription"},
	ProcedureCodeSequence:               {VRSQ, "ProcedureCodeSequence"},
	PerformingPhysicianName:             {VRPN, "PerformingPhysicianName"},
	OperatorsName:                       {VRPN, "OperatorsName"},
	ReferencedStudySequence:             {VRSQ, "ReferencedStudySequence"},
	ReferencedPatientSequence:           {VRSQ, "ReferencedPatientSequence"},
	ReferencedImageSequence:             {VRSQ, "ReferencedImageSequence"},
	ReferencedSOPClassUID:               {VRUI, "ReferencedSOPClassUID"},
	ReferencedSOPInstanceUID:            {VRUI, "ReferencedSOPInstanceUID"},
	PatientName:                         {VRPN, "PatientName"},
	PatientID:                           {VRLO, "PatientID"},
	IssuerOfPatientID:                   {VRLO, "IssuerOfPatientID"},
	PatientBirthDate:                    {VRDA, "PatientBirthDate"},
	PatientSex:                          {VRCS, "PatientSex"},
	ProtocolName:                        {VRLO, "ProtocolName"},
	StudyInstanceUID:                    {VRUI, "StudyInstanceUID"},
	SeriesInstanceUID:                   {VRUI, "SeriesInstanceUID"},
	StudyID:                             {VRSH, "StudyID"},
	RequestedProcedureDescription:       {VRLO, "RequestedProcedureDescription"},
	ScheduledProcedureStepDescription:   {VRLO, "ScheduledProcedureStepDescription"},
	ScheduledProtocolCodeSequence:       {VRSQ, "ScheduledProtocolCodeSequence"},
	ScheduledProcedureStepID:            {VRSH, "ScheduledProcedureStepID"},
	PerformedStationAETitle:             {VRAE, "PerformedStationAETitle"},
	PerformedStationName:                {VRSH, "PerformedStationName"},
	PerformedLocation:                   {VRSH, "PerformedLocation"},
	PerformedProcedureStepStartDate:     {VRDA, "PerformedProcedureStepStartDate"},
	PerformedProcedureStepStartTime:     {VRTM, "PerformedProcedureStepStartTime"},
	PerformedProcedureStepEndDate:       {VRDA, "PerformedProcedureStepEndDate"},
	PerformedProcedureStepEndTime:       {VRTM, "PerformedProcedureStepEndTime"},
	PerformedProcedureStepStatus:        {VRCS, "PerformedProcedureStepStatus"},
	PerformedProcedureStepID:            {VRSH, "PerformedProcedureStepID"},
	PerformedProcedureStepDescription:   {VRLO, "PerformedProcedureStepDescription"},
	PerformedProcedureTypeDescription:   {VRLO, "PerformedProcedureTypeDescription"},
	PerformedProtocolCodeSequence:       {VRSQ, "PerformedProtocolCodeSequence"},
	ScheduledStepAttributesSequence:     {VRSQ, "ScheduledStepAttributesSequence"},
	CommentsOnThePerformedProcedureStep: {VRST, "CommentsOnThePerformedProcedureStep"},
	PerformedSeriesSequence:             {VRSQ, "PerformedSeriesSequence"},
	RequestedProcedureID:                {VRSH, "RequestedProcedureID"},

	ReferencedNonImageCompositeSOPInstanceSequence:          {VRSQ, "ReferencedNonImageCompositeSOPInstanceSequence"},
	PerformedProcedureStepDiscontinuationReasonCodeSequence: {VRSQ, "PerformedProcedureStepDiscontinuationReasonCodeSequence"},
}

var keywordIndex = func() map[string]Tag {
	idx := make(map[string]Tag, len(dictionary))
	for t, e := range dictionary {
		idx[e.keyword] = t
	}
	return idx
}()

// LookupVR returns the dictionary VR for t. Group length elements are UL;
// unknown tags report UN and false.
func LookupVR(t Tag) (VR, bool) {
	if e, ok := dictionary[t]; ok {
		return e.vr, true
	}
	if t.IsGroupLength() {
		return VRUL, true
	}
	return VRUN, false
}

// Keyword returns the dictionary keyword for t, or "" if unknown.
func Keyword(t Tag) string {
	return dictionary[t].keyword
}

// TagForKeyword resolves a dictionary keyword.
func TagForKeyword(kw string) (Tag, bool) {
	t, ok := keywordIndex[kw]
	return t, ok
}
