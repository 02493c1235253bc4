package promotion

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is one named value of a payload body.
type Field struct {
	Name  string
	Value any
}

// Payload is the outbound promotion summary: a single key mapped to an
// ordered body. Field order is preserved on the wire.
type Payload struct {
	Key    string
	Fields []Field
}

// Set replaces the value of an existing field in place, or appends it.
func (p *Payload) Set(name string, value any) {
	for i := range p.Fields {
		if p.Fields[i].Name == name {
			p.Fields[i].Value = value
			return
		}
	}
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
}

// InsertBefore places a new field ahead of the field named before, or
// appends it when before is absent. An existing field is updated in place.
func (p *Payload) InsertBefore(before, name string, value any) {
	if _, ok := p.Get(name); ok {
		p.Set(name, value)
		return
	}
	for i := range p.Fields {
		if p.Fields[i].Name == before {
			p.Fields = append(p.Fields[:i], append([]Field{{Name: name, Value: value}}, p.Fields[i:]...)...)
			return
		}
	}
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
}

func (p Payload) Get(name string) (any, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (p Payload) Names() []string {
	out := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		out[i] = f.Name
	}
	return out
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	key, err := json.Marshal(p.Key)
	if err != nil {
		return nil, err
	}
	buf.WriteByte('{')
	buf.Write(key)
	buf.WriteString(":{")
	for i, f := range p.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("encode payload field %q: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a single-key object and keeps the body's field order.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode payload key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return fmt.Errorf("decode payload: expected key, got %v", tok)
	}
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	out := Payload{Key: key}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode payload field: %w", err)
		}
		name, _ := tok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode payload field %q: %w", name, err)
		}
		out.Fields = append(out.Fields, Field{Name: name, Value: value})
	}
	if err := expectDelim(dec, '}'); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("decode payload: more than one key")
	}
	*p = out
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("decode payload: expected %q, got %v", want, tok)
	}
	return nil
}
