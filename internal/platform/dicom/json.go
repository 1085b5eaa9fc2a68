package dicom

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// jsonAttribute is one attribute in the DICOM JSON model (PS3.18 F.2).
type jsonAttribute struct {
	VR           VR     `json:"vr"`
	Value        []any  `json:"Value,omitempty"`
	InlineBinary string `json:"InlineBinary,omitempty"`
}

// MarshalJSON renders the dataset in the DICOM JSON model.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.jsonObject())
}

func (d *Dataset) jsonObject() map[string]jsonAttribute {
	out := make(map[string]jsonAttribute, d.Len())
	for _, e := range d.Elements() {
		out[e.Tag.Hex()] = e.jsonAttribute()
	}
	return out
}

func (e *Element) jsonAttribute() jsonAttribute {
	a := jsonAttribute{VR: e.VR}
	switch e.VR.info().kind {
	case kindString, kindText:
		if e.IsEmpty() {
			return a
		}
		for _, s := range e.Strings {
			switch {
			case s == "":
				a.Value = append(a.Value, nil)
			case e.VR == VRPN:
				a.Value = append(a.Value, map[string]string{"Alphabetic": s})
			case e.VR == VRIS:
				if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
					a.Value = append(a.Value, n)
				} else {
					a.Value = append(a.Value, s)
				}
			case e.VR == VRDS:
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					a.Value = append(a.Value, f)
				} else {
					a.Value = append(a.Value, s)
				}
			default:
				a.Value = append(a.Value, s)
			}
		}
	case kindInt:
		for _, v := range e.Ints {
			a.Value = append(a.Value, v)
		}
	case kindFloat:
		for _, v := range e.Floats {
			a.Value = append(a.Value, v)
		}
	case kindTag:
		for _, t := range e.Tags {
			a.Value = append(a.Value, t.Hex())
		}
	case kindSequence:
		for _, item := range e.Items {
			a.Value = append(a.Value, item.jsonObject())
		}
	default:
		if len(e.Bytes) > 0 {
			a.InlineBinary = base64.StdEncoding.EncodeToString(e.Bytes)
		}
	}
	return a
}
