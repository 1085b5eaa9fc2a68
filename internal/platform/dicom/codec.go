package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

const undefinedLength = 0xFFFFFFFF

// ErrUnsupportedTransferSyntax is returned for transfer syntaxes other than
// the three uncompressed ones.
var ErrUnsupportedTransferSyntax = errors.New("dicom: unsupported transfer syntax")

// Syntax describes how a dataset is laid out on the wire.
type Syntax struct {
	UID      string
	Implicit bool
	Order    binary.ByteOrder
}

var (
	implicitLE = Syntax{UID: ImplicitVRLittleEndian, Implicit: true, Order: binary.LittleEndian}
	explicitLE = Syntax{UID: ExplicitVRLittleEndian, Order: binary.LittleEndian}
	explicitBE = Syntax{UID: ExplicitVRBigEndian, Order: binary.BigEndian}
)

// SyntaxFor resolves a transfer syntax UID.
func SyntaxFor(uid string) (Syntax, error) {
	switch uid {
	case ImplicitVRLittleEndian:
		return implicitLE, nil
	case ExplicitVRLittleEndian:
		return explicitLE, nil
	case ExplicitVRBigEndian:
		return explicitBE, nil
	default:
		return Syntax{}, fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, uid)
	}
}

// Encode serializes ds in the given transfer syntax.
func Encode(ds *Dataset, tsUID string) ([]byte, error) {
	syn, err := SyntaxFor(tsUID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := syn.writeDataset(&buf, ds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a dataset encoded in the given transfer syntax.
func Decode(b []byte, tsUID string) (*Dataset, error) {
	syn, err := SyntaxFor(tsUID)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: b, syn: syn}
	ds, err := r.readDataset(false)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

func (s Syntax) writeDataset(w *bytes.Buffer, ds *Dataset) error {
	for _, e := range ds.Elements() {
		// Group lengths above the meta group are retired and would go stale
		// after a merge.
		if e.Tag.IsGroupLength() && e.Tag.Group > 0x0002 {
			continue
		}
		if err := s.writeElement(w, e); err != nil {
			return fmt.Errorf("dicom: encode %s: %w", e.Tag, err)
		}
	}
	return nil
}

func (s Syntax) writeTag(w *bytes.Buffer, t Tag) {
	var b [4]byte
	s.Order.PutUint16(b[0:], t.Group)
	s.Order.PutUint16(b[2:], t.Element)
	w.Write(b[:])
}

func (s Syntax) writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	s.Order.PutUint32(b[:], v)
	w.Write(b[:])
}

func (s Syntax) writeHeader(w *bytes.Buffer, t Tag, vr VR, length uint32) error {
	s.writeTag(w, t)
	if s.Implicit {
		s.writeUint32(w, length)
		return nil
	}
	if !vr.Known() {
		vr = VRUN
	}
	w.WriteString(string(vr))
	if vr.info().long {
		w.Write([]byte{0, 0})
		s.writeUint32(w, length)
		return nil
	}
	if length > math.MaxUint16 {
		return fmt.Errorf("value length %d exceeds %s limit", length, vr)
	}
	var b [2]byte
	s.Order.PutUint16(b[:], uint16(length))
	w.Write(b[:])
	return nil
}

func (s Syntax) writeElement(w *bytes.Buffer, e *Element) error {
	if e.VR == VRSQ {
		if err := s.writeHeader(w, e.Tag, VRSQ, undefinedLength); err != nil {
			return err
		}
		for _, item := range e.Items {
			s.writeTag(w, ItemTag)
			s.writeUint32(w, undefinedLength)
			if err := s.writeDataset(w, item); err != nil {
				return err
			}
			s.writeTag(w, ItemDelimitationTag)
			s.writeUint32(w, 0)
		}
		s.writeTag(w, SequenceDelimitationTag)
		s.writeUint32(w, 0)
		return nil
	}
	val, err := s.encodeValue(e)
	if err != nil {
		return err
	}
	if err := s.writeHeader(w, e.Tag, e.VR, uint32(len(val))); err != nil {
		return err
	}
	w.Write(val)
	return nil
}

func (s Syntax) encodeValue(e *Element) ([]byte, error) {
	inf := e.VR.info()
	var out []byte
	switch inf.kind {
	case kindString, kindText:
		out = []byte(strings.Join(e.Strings, `\`))
	case kindInt:
		out = make([]byte, 0, len(e.Ints)*inf.width)
		for _, v := range e.Ints {
			b := make([]byte, inf.width)
			switch inf.width {
			case 2:
				s.Order.PutUint16(b, uint16(v))
			case 4:
				s.Order.PutUint32(b, uint32(v))
			case 8:
				s.Order.PutUint64(b, uint64(v))
			}
			out = append(out, b...)
		}
	case kindFloat:
		out = make([]byte, 0, len(e.Floats)*inf.width)
		for _, v := range e.Floats {
			b := make([]byte, inf.width)
			if inf.width == 4 {
				s.Order.PutUint32(b, math.Float32bits(float32(v)))
			} else {
				s.Order.PutUint64(b, math.Float64bits(v))
			}
			out = append(out, b...)
		}
	case kindTag:
		out = make([]byte, 0, len(e.Tags)*4)
		for _, t := range e.Tags {
			var b [4]byte
			s.Order.PutUint16(b[0:], t.Group)
			s.Order.PutUint16(b[2:], t.Element)
			out = append(out, b[:]...)
		}
	case kindBytes:
		out = append([]byte(nil), e.Bytes...)
		if s.Order == binary.BigEndian && inf.width > 1 {
			swapWords(out, inf.width)
		}
	default:
		return nil, fmt.Errorf("cannot encode VR %s", e.VR)
	}
	if len(out)%2 == 1 {
		out = append(out, inf.pad)
	}
	return out, nil
}

// swapWords reverses byte order of each width-sized word in place. Binary
// values are held little endian in memory.
func swapWords(b []byte, width int) {
	for i := 0; i+width <= len(b); i += width {
		for l, r := i, i+width-1; l < r; l, r = l+1, r-1 {
			b[l], b[r] = b[r], b[l]
		}
	}
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

type reader struct {
	buf []byte
	pos int
	syn Syntax
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) need(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("dicom: truncated data at offset %d (need %d bytes, have %d)", r.pos, n, r.remaining())
	}
	return nil
}

func (r *reader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.syn.Order.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.syn.Order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) tag() (Tag, error) {
	g, err := r.uint16()
	if err != nil {
		return Tag{}, err
	}
	e, err := r.uint16()
	if err != nil {
		return Tag{}, err
	}
	return Tag{Group: g, Element: e}, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readDataset reads elements until the buffer ends or, when inItem is set,
// until an item delimitation element.
func (r *reader) readDataset(inItem bool) (*Dataset, error) {
	ds := NewDataset()
	for r.remaining() > 0 {
		t, err := r.tag()
		if err != nil {
			return nil, err
		}
		if t == ItemDelimitationTag {
			if _, err := r.uint32(); err != nil {
				return nil, err
			}
			if !inItem {
				return nil, fmt.Errorf("dicom: unexpected item delimitation at offset %d", r.pos)
			}
			return ds, nil
		}
		e, err := r.readElement(t)
		if err != nil {
			return nil, fmt.Errorf("dicom: decode %s: %w", t, err)
		}
		ds.Put(e)
	}
	if inItem {
		return nil, fmt.Errorf("dicom: item not terminated")
	}
	return ds, nil
}

func (r *reader) readElement(t Tag) (*Element, error) {
	var vr VR
	var length uint32
	if r.syn.Implicit {
		vr, _ = LookupVR(t)
		l, err := r.uint32()
		if err != nil {
			return nil, err
		}
		length = l
		if length == undefinedLength {
			vr = VRSQ
		}
	} else {
		code, err := r.bytes(2)
		if err != nil {
			return nil, err
		}
		vr = VR(code)
		if !vr.Known() || vr.info().long {
			if _, err := r.bytes(2); err != nil {
				return nil, err
			}
			l, err := r.uint32()
			if err != nil {
				return nil, err
			}
			length = l
		} else {
			l, err := r.uint16()
			if err != nil {
				return nil, err
			}
			length = uint32(l)
		}
		if !vr.Known() {
			vr = VRUN
		}
		if vr == VRUN && length == undefinedLength {
			// PS3.5 6.2.2: UN with undefined length is an implicit VR LE sequence.
			sub := &reader{buf: r.buf, pos: r.pos, syn: implicitLE}
			items, err := sub.readSequence(undefinedLength)
			if err != nil {
				return nil, err
			}
			r.pos = sub.pos
			return &Element{Tag: t, VR: VRSQ, Items: items}, nil
		}
	}

	if vr == VRSQ {
		items, err := r.readSequence(length)
		if err != nil {
			return nil, err
		}
		return &Element{Tag: t, VR: VRSQ, Items: items}, nil
	}
	if length == undefinedLength {
		return nil, fmt.Errorf("undefined length not supported for VR %s", vr)
	}
	raw, err := r.bytes(int(length))
	if err != nil {
		return nil, err
	}
	return r.decodeValue(t, vr, raw)
}

func (r *reader) readSequence(length uint32) ([]*Dataset, error) {
	if length != undefinedLength {
		body, err := r.bytes(int(length))
		if err != nil {
			return nil, err
		}
		sub := &reader{buf: body, syn: r.syn}
		var items []*Dataset
		for sub.remaining() > 0 {
			item, done, err := sub.readItem()
			if err != nil {
				return nil, err
			}
			if done {
				break
			}
			items = append(items, item)
		}
		return items, nil
	}
	var items []*Dataset
	for {
		item, done, err := r.readItem()
		if err != nil {
			return nil, err
		}
		if done {
			return items, nil
		}
		items = append(items, item)
	}
}

// readItem reads one item; done is set when a sequence delimitation is hit.
func (r *reader) readItem() (*Dataset, bool, error) {
	t, err := r.tag()
	if err != nil {
		return nil, false, err
	}
	length, err := r.uint32()
	if err != nil {
		return nil, false, err
	}
	switch t {
	case SequenceDelimitationTag:
		return nil, true, nil
	case ItemTag:
	default:
		return nil, false, fmt.Errorf("expected item tag, got %s", t)
	}
	if length == undefinedLength {
		ds, err := r.readDataset(true)
		return ds, false, err
	}
	body, err := r.bytes(int(length))
	if err != nil {
		return nil, false, err
	}
	sub := &reader{buf: body, syn: r.syn}
	ds, err := sub.readDataset(false)
	return ds, false, err
}

func (r *reader) decodeValue(t Tag, vr VR, raw []byte) (*Element, error) {
	inf := vr.info()
	e := &Element{Tag: t, VR: vr}
	switch inf.kind {
	case kindString:
		s := strings.TrimRight(string(raw), "\x00 ")
		if vr != VRUI {
			s = strings.TrimLeft(s, " ")
		}
		e.Strings = strings.Split(s, `\`)
		for i := range e.Strings {
			e.Strings[i] = strings.TrimSpace(strings.TrimRight(e.Strings[i], "\x00"))
		}
	case kindText:
		e.Strings = []string{strings.TrimRight(string(raw), "\x00 ")}
	case kindInt:
		if len(raw)%inf.width != 0 {
			return nil, fmt.Errorf("length %d not a multiple of %d for VR %s", len(raw), inf.width, vr)
		}
		e.Ints = make([]int64, 0, len(raw)/inf.width)
		for i := 0; i < len(raw); i += inf.width {
			var v int64
			switch vr {
			case VRUS:
				v = int64(r.syn.Order.Uint16(raw[i:]))
			case VRSS:
				v = int64(int16(r.syn.Order.Uint16(raw[i:])))
			case VRUL:
				v = int64(r.syn.Order.Uint32(raw[i:]))
			case VRSL:
				v = int64(int32(r.syn.Order.Uint32(raw[i:])))
			default:
				v = int64(r.syn.Order.Uint64(raw[i:]))
			}
			e.Ints = append(e.Ints, v)
		}
	case kindFloat:
		if len(raw)%inf.width != 0 {
			return nil, fmt.Errorf("length %d not a multiple of %d for VR %s", len(raw), inf.width, vr)
		}
		e.Floats = make([]float64, 0, len(raw)/inf.width)
		for i := 0; i < len(raw); i += inf.width {
			if inf.width == 4 {
				e.Floats = append(e.Floats, float64(math.Float32frombits(r.syn.Order.Uint32(raw[i:]))))
			} else {
				e.Floats = append(e.Floats, math.Float64frombits(r.syn.Order.Uint64(raw[i:])))
			}
		}
	case kindTag:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("length %d not a multiple of 4 for VR AT", len(raw))
		}
		for i := 0; i < len(raw); i += 4 {
			e.Tags = append(e.Tags, Tag{Group: r.syn.Order.Uint16(raw[i:]), Element: r.syn.Order.Uint16(raw[i+2:])})
		}
	default:
		e.Bytes = append([]byte(nil), raw...)
		if r.syn.Order == binary.BigEndian && inf.width > 1 {
			swapWords(e.Bytes, inf.width)
		}
	}
	return e, nil
}
