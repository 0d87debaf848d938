package backup

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = 1

// Manifest lists the envelopes in a backup. On the wire it is the protobuf
// message
//
//	message Manifest { uint32 version = 1; repeated Record records = 2; }
//	message Record { string path = 1; int64 size = 2; string cid = 3; }
type Manifest struct {
	Version uint32
	Records []Record
}

type Record struct {
	Path      string
	Size      int64
	ContentID string
}

func (m Manifest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))
	for _, r := range m.Records {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.marshal())
	}
	return b
}

func (r Record) marshal() []byte { // AC
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.Path)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Size))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, r.ContentID)
	return b
}

// UnmarshalManifest decodes b. Unknown fields are skipped.
func UnmarshalManifest(b []byte) (Manifest, error) {
	var m Manifest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Manifest{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Manifest{}, protowire.ParseError(n)
			}
			m.Version = uint32(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Manifest{}, protowire.ParseError(n)
			}
			r, err := unmarshalRecord(v)
			if err != nil {
				return Manifest{}, err
			}
			m.Records = append(m.Records, r)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Manifest{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if m.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return m, nil
}

func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Path, b = v, b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Size, b = int64(v), b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.ContentID, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}
