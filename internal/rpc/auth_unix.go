package rpc

import (
	"fmt"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// UnixAuth is the decoded body of an AUTH_SYS (AUTH_UNIX) credential, per
// RFC 5531 appendix A:
//
//	struct authsys_parms {
//	    unsigned int stamp;
//	    string       machinename<255>;
//	    unsigned int uid;
//	    unsigned int gid;
//	    unsigned int gids<16>;
//	};
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// String renders a UnixAuth for logging.
func (a *UnixAuth) String() string {
	return fmt.Sprintf("UnixAuth{machine=%s uid=%d gid=%d gids=%v}", a.MachineName, a.UID, a.GID, a.GIDs)
}

// ParseUnixAuth decodes an AUTH_SYS credential body. It enforces the
// MaxMachineNameLen and MaxGIDs ceilings from section 4.5 even though the
// underlying opaque/array decoders already cap at MaxOpaqueLen, because
// those RFC-mandated ceilings are much smaller and a violation here is a
// protocol error rather than a resource-exhaustion guard.
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("auth_unix: empty credential body")
	}
	s := xdr.NewDecodingStream(body)

	stamp, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode stamp: %w", err)
	}

	nameLen, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode machine name length: %w", err)
	}
	if nameLen > MaxMachineNameLen {
		return nil, fmt.Errorf("auth_unix: machine name too long: %d > %d", nameLen, MaxMachineNameLen)
	}
	nameBytes, err := s.DecodeOpaqueFixed(int(nameLen))
	if err != nil {
		return nil, fmt.Errorf("decode machine name: %w", err)
	}

	uid, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode uid: %w", err)
	}
	gid, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode gid: %w", err)
	}

	gidCount, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode gids count: %w", err)
	}
	if gidCount > MaxGIDs {
		return nil, fmt.Errorf("auth_unix: too many gids: %d > %d", gidCount, MaxGIDs)
	}
	gids := make([]uint32, gidCount)
	for i := range gids {
		gids[i], err = s.DecodeUint32()
		if err != nil {
			return nil, fmt.Errorf("decode gid[%d]: %w", i, err)
		}
	}

	return &UnixAuth{
		Stamp:       stamp,
		MachineName: string(nameBytes),
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
	}, nil
}

// EncodeUnixAuth re-encodes a UnixAuth into a credential body, for clients
// issuing AUTH_SYS calls and for tests constructing fixtures. The portmap
// self-registration client does not use it: it sends AUTH_NONE.
func EncodeUnixAuth(a *UnixAuth) ([]byte, error) {
	s := xdr.NewEncodingStream()
	if err := s.EncodeUint32(a.Stamp); err != nil {
		return nil, err
	}
	if err := s.EncodeString(a.MachineName); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(a.UID); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(a.GID); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32Array(a.GIDs); err != nil {
		return nil, err
	}
	return s.EndEncoding(), nil
}
