package portmap

import (
	"fmt"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// DecodeMapping decodes the four fixed uint32 fields of a portmap mapping
// argument (used by SET/UNSET/GETPORT).
func DecodeMapping(body []byte) (Mapping, error) {
	d := xdr.NewDecodingStream(body)
	var m Mapping
	var err error
	if m.Prog, err = d.DecodeUint32(); err != nil {
		return Mapping{}, fmt.Errorf("portmap: decode prog: %w", err)
	}
	if m.Vers, err = d.DecodeUint32(); err != nil {
		return Mapping{}, fmt.Errorf("portmap: decode vers: %w", err)
	}
	if m.Prot, err = d.DecodeUint32(); err != nil {
		return Mapping{}, fmt.Errorf("portmap: decode prot: %w", err)
	}
	if m.Port, err = d.DecodeUint32(); err != nil {
		return Mapping{}, fmt.Errorf("portmap: decode port: %w", err)
	}
	return m, nil
}

// EncodeMapping encodes the four fixed uint32 fields of a mapping.
func EncodeMapping(m Mapping) ([]byte, error) {
	e := xdr.NewEncodingStream()
	if err := e.EncodeUint32(m.Prog); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(m.Vers); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(m.Prot); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(m.Port); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// EncodeBool encodes the XDR boolean SET/UNSET return value.
func EncodeBool(v bool) ([]byte, error) {
	e := xdr.NewEncodingStream()
	val := uint32(0)
	if v {
		val = 1
	}
	if err := e.EncodeUint32(val); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// DecodeBool decodes an XDR boolean.
func DecodeBool(body []byte) (bool, error) {
	d := xdr.NewDecodingStream(body)
	v, err := d.DecodeUint32()
	if err != nil {
		return false, fmt.Errorf("portmap: decode bool: %w", err)
	}
	return v != 0, nil
}

// EncodeUint32Reply encodes a single uint32 reply, used by GETPORT.
func EncodeUint32Reply(v uint32) ([]byte, error) {
	e := xdr.NewEncodingStream()
	if err := e.EncodeUint32(v); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// DecodeUint32Reply decodes a single uint32 reply.
func DecodeUint32Reply(body []byte) (uint32, error) {
	d := xdr.NewDecodingStream(body)
	v, err := d.DecodeUint32()
	if err != nil {
		return 0, fmt.Errorf("portmap: decode uint32 reply: %w", err)
	}
	return v, nil
}

// EncodeDumpResponse encodes the DUMP reply's XDR optional-data linked
// list: each entry preceded by value_follows=1, the list terminated by
// value_follows=0.
func EncodeDumpResponse(mappings []Mapping) ([]byte, error) {
	e := xdr.NewEncodingStream()
	for _, m := range mappings {
		if err := e.EncodeUint32(1); err != nil {
			return nil, err
		}
		if err := e.EncodeUint32(m.Prog); err != nil {
			return nil, err
		}
		if err := e.EncodeUint32(m.Vers); err != nil {
			return nil, err
		}
		if err := e.EncodeUint32(m.Prot); err != nil {
			return nil, err
		}
		if err := e.EncodeUint32(m.Port); err != nil {
			return nil, err
		}
	}
	if err := e.EncodeUint32(0); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// DecodeDumpResponse decodes a DUMP reply's linked list of mappings.
func DecodeDumpResponse(body []byte) ([]Mapping, error) {
	d := xdr.NewDecodingStream(body)
	var result []Mapping
	for {
		follows, err := d.DecodeUint32()
		if err != nil {
			return nil, fmt.Errorf("portmap: decode value_follows: %w", err)
		}
		if follows == 0 {
			return result, nil
		}
		var m Mapping
		if m.Prog, err = d.DecodeUint32(); err != nil {
			return nil, err
		}
		if m.Vers, err = d.DecodeUint32(); err != nil {
			return nil, err
		}
		if m.Prot, err = d.DecodeUint32(); err != nil {
			return nil, err
		}
		if m.Port, err = d.DecodeUint32(); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
}
