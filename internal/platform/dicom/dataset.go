package dicom

import (
	"bytes"
	"sort"
)

// Element is one data element. Exactly one of the value slices is populated,
// chosen by the VR: strings for character VRs, Ints for US/SS/UL/SL/UV/SV,
// Floats for FL/FD, Tags for AT, Bytes for OB/OW/OF/OD/OL/OV/UN, Items for SQ.
type Element struct {
	Tag     Tag
	VR      VR
	Strings []string
	Ints    []int64
	Floats  []float64
	Tags    []Tag
	Bytes   []byte
	Items   []*Dataset
}

// IsEmpty reports whether the element carries no value (zero length).
func (e *Element) IsEmpty() bool {
	switch e.VR.info().kind {
	case kindString, kindText:
		for _, s := range e.Strings {
			if s != "" {
				return false
			}
		}
		return true
	case kindInt:
		return len(e.Ints) == 0
	case kindFloat:
		return len(e.Floats) == 0
	case kindTag:
		return len(e.Tags) == 0
	case kindSequence:
		return len(e.Items) == 0
	default:
		return len(e.Bytes) == 0
	}
}

func (e *Element) clone() *Element {
	c := &Element{Tag: e.Tag, VR: e.VR}
	if e.Strings != nil {
		c.Strings = append([]string(nil), e.Strings...)
	}
	if e.Ints != nil {
		c.Ints = append([]int64(nil), e.Ints...)
	}
	if e.Floats != nil {
		c.Floats = append([]float64(nil), e.Floats...)
	}
	if e.Tags != nil {
		c.Tags = append([]Tag(nil), e.Tags...)
	}
	if e.Bytes != nil {
		c.Bytes = append([]byte(nil), e.Bytes...)
	}
	if e.Items != nil {
		c.Items = make([]*Dataset, len(e.Items))
		for i, it := range e.Items {
			c.Items[i] = it.Clone()
		}
	}
	return c
}

func (e *Element) equal(o *Element) bool {
	if e.Tag != o.Tag || e.VR != o.VR {
		return false
	}
	if len(e.Strings) != len(o.Strings) || len(e.Ints) != len(o.Ints) ||
		len(e.Floats) != len(o.Floats) || len(e.Tags) != len(o.Tags) ||
		len(e.Items) != len(o.Items) || !bytes.Equal(e.Bytes, o.Bytes) {
		return false
	}
	for i := range e.Strings {
		if e.Strings[i] != o.Strings[i] {
			return false
		}
	}
	for i := range e.Ints {
		if e.Ints[i] != o.Ints[i] {
			return false
		}
	}
	for i := range e.Floats {
		if e.Floats[i] != o.Floats[i] {
			return false
		}
	}
	for i := range e.Tags {
		if e.Tags[i] != o.Tags[i] {
			return false
		}
	}
	for i := range e.Items {
		if !e.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}

// Dataset is a set of elements keyed by tag. Iteration is always in
// ascending tag order, which is the order the codecs write.
type Dataset struct {
	elems map[Tag]*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elems: make(map[Tag]*Element)}
}

// Len returns the number of top-level elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Get returns the element for t.
func (d *Dataset) Get(t Tag) (*Element, bool) {
	if d == nil {
		return nil, false
	}
	e, ok := d.elems[t]
	return e, ok
}

// Has reports whether t is present (possibly with an empty value).
func (d *Dataset) Has(t Tag) bool {
	_, ok := d.Get(t)
	return ok
}

// Put stores e, replacing any element with the same tag.
func (d *Dataset) Put(e *Element) {
	if d.elems == nil {
		d.elems = make(map[Tag]*Element)
	}
	d.elems[e.Tag] = e
}

// Remove deletes t if present.
func (d *Dataset) Remove(t Tag) {
	delete(d.elems, t)
}

// Tags returns the present tags in ascending order.
func (d *Dataset) Tags() []Tag {
	if d == nil {
		return nil
	}
	tags := make([]Tag, 0, len(d.elems))
	for t := range d.elems {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// Elements returns the elements in ascending tag order.
func (d *Dataset) Elements() []*Element {
	tags := d.Tags()
	out := make([]*Element, len(tags))
	for i, t := range tags {
		out[i] = d.elems[t]
	}
	return out
}

// String returns the first string value of t.
func (d *Dataset) String(t Tag) (string, bool) {
	e, ok := d.Get(t)
	if !ok || len(e.Strings) == 0 {
		return "", false
	}
	return e.Strings[0], true
}

// StringOr returns the first string value of t or def when absent.
func (d *Dataset) StringOr(t Tag, def string) string {
	if s, ok := d.String(t); ok {
		return s
	}
	return def
}

// Int returns the first integer value of t.
func (d *Dataset) Int(t Tag) (int64, bool) {
	e, ok := d.Get(t)
	if !ok || len(e.Ints) == 0 {
		return 0, false
	}
	return e.Ints[0], true
}

// Sequence returns the items of the sequence t, or nil.
func (d *Dataset) Sequence(t Tag) []*Dataset {
	e, ok := d.Get(t)
	if !ok {
		return nil
	}
	return e.Items
}

// SetString stores string values using the dictionary VR for t (LO if the
// tag is not in the dictionary).
func (d *Dataset) SetString(t Tag, values ...string) {
	vr, ok := LookupVR(t)
	if !ok || !vr.IsString() {
		vr = VRLO
	}
	d.SetStringVR(t, vr, values...)
}

// SetStringVR stores string values with an explicit VR.
func (d *Dataset) SetStringVR(t Tag, vr VR, values ...string) {
	d.Put(&Element{Tag: t, VR: vr, Strings: append([]string{}, values...)})
}

// SetInt stores integer values using the dictionary VR for t (UL fallback).
func (d *Dataset) SetInt(t Tag, values ...int64) {
	vr, ok := LookupVR(t)
	if !ok || vr.info().kind != kindInt {
		vr = VRUL
	}
	d.Put(&Element{Tag: t, VR: vr, Ints: append([]int64{}, values...)})
}

// SetTags stores an AT element.
func (d *Dataset) SetTags(t Tag, values ...Tag) {
	d.Put(&Element{Tag: t, VR: VRAT, Tags: append([]Tag{}, values...)})
}

// SetBytes stores a binary element.
func (d *Dataset) SetBytes(t Tag, vr VR, b []byte) {
	d.Put(&Element{Tag: t, VR: vr, Bytes: append([]byte{}, b...)})
}

// SetSequence stores a sequence with the given items.
func (d *Dataset) SetSequence(t Tag, items ...*Dataset) {
	d.Put(&Element{Tag: t, VR: VRSQ, Items: append([]*Dataset{}, items...)})
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	c := NewDataset()
	if d == nil {
		return c
	}
	for t, e := range d.elems {
		c.elems[t] = e.clone()
	}
	return c
}

// Merge copies every top-level element of src into d, replacing elements
// with the same tag. Tags absent from src are left untouched.
func (d *Dataset) Merge(src *Dataset) {
	for _, e := range src.Elements() {
		d.Put(e.clone())
	}
}

// Equal reports deep equality.
func (d *Dataset) Equal(o *Dataset) bool {
	if d.Len() != o.Len() {
		return false
	}
	for _, e := range d.Elements() {
		oe, ok := o.Get(e.Tag)
		if !ok || !e.equal(oe) {
			return false
		}
	}
	return true
}
