package cxlpacket

import "github.com/cxlfabric/switchd/bitfield"

// fieldSet builds consecutive bitfield.Field entries from an ordered list of
// (name, width) pairs: the first named field occupies bits [0, width0-1],
// the next occupies [width0, width0+width1-1], and so on. This matches the
// spec's convention of listing a header's members as a single
// left-to-right sequence of bit widths; round-trip correctness only
// requires the writer and reader to agree on one bit-assignment convention,
// which this shared helper guarantees.
func fieldSet(spec ...struct {
	Name  string
	Width int
}) map[string]bitfield.Field {
	out := make(map[string]bitfield.Field, len(spec))
	offset := 0
	for _, s := range spec {
		out[s.Name] = bitfield.Field{Name: s.Name, First: offset, Last: offset + s.Width - 1}
		offset += s.Width
	}
	return out
}

type nw = struct {
	Name  string
	Width int
}
