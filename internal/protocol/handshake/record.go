package handshake

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strconv"
)

// ProtocolVersion is the only handshake record layout spoken here.
const ProtocolVersion uint16 = 5

const (
	tagName      = 'n'
	tagStatus    = 's'
	tagReply     = 'r'
	tagAck       = 'a'
	digestLength = md5.Size
)

// Status values carried by the 's' record.
const (
	StatusOK             = "ok"
	StatusOKSimultaneous = "ok_simultaneous"
	StatusNOK            = "nok"
	StatusNotAllowed     = "not_allowed"
	StatusAlive          = "alive"
)

type nameRecord struct {
	Version uint16
	Flags   Flags
	Name    string
}

type challengeRecord struct {
	Version   uint16
	Flags     Flags
	Challenge uint32
	Name      string
}

type replyRecord struct {
	Challenge uint32
	Digest    [digestLength]byte
}

func encodeName(r nameRecord) []byte {
	b := make([]byte, 0, 7+len(r.Name))
	b = append(b, tagName)
	b = binary.BigEndian.AppendUint16(b, r.Version)
	b = binary.BigEndian.AppendUint32(b, uint32(r.Flags))
	return append(b, r.Name...)
}

func decodeName(b []byte) (nameRecord, error) {
	if len(b) < 8 || b[0] != tagName {
		return nameRecord{}, fmt.Errorf("%w: name record of %d bytes", ErrMalformed, len(b))
	}
	return nameRecord{
		Version: binary.BigEndian.Uint16(b[1:3]),
		Flags:   Flags(binary.BigEndian.Uint32(b[3:7])),
		Name:    string(b[7:]),
	}, nil
}

func encodeStatus(status string) []byte {
	return append([]byte{tagStatus}, status...)
}

func decodeStatus(b []byte) (string, error) {
	if len(b) < 2 || b[0] != tagStatus {
		return "", fmt.Errorf("%w: status record of %d bytes", ErrMalformed, len(b))
	}
	return string(b[1:]), nil
}

func encodeChallenge(r challengeRecord) []byte {
	b := make([]byte, 0, 11+len(r.Name))
	b = append(b, tagName)
	b = binary.BigEndian.AppendUint16(b, r.Version)
	b = binary.BigEndian.AppendUint32(b, uint32(r.Flags))
	b = binary.BigEndian.AppendUint32(b, r.Challenge)
	return append(b, r.Name...)
}

func decodeChallenge(b []byte) (challengeRecord, error) {
	if len(b) < 12 || b[0] != tagName {
		return challengeRecord{}, fmt.Errorf("%w: challenge record of %d bytes", ErrMalformed, len(b))
	}
	return challengeRecord{
		Version:   binary.BigEndian.Uint16(b[1:3]),
		Flags:     Flags(binary.BigEndian.Uint32(b[3:7])),
		Challenge: binary.BigEndian.Uint32(b[7:11]),
		Name:      string(b[11:]),
	}, nil
}

func encodeReply(r replyRecord) []byte {
	b := make([]byte, 0, 5+digestLength)
	b = append(b, tagReply)
	b = binary.BigEndian.AppendUint32(b, r.Challenge)
	return append(b, r.Digest[:]...)
}

func decodeReply(b []byte) (replyRecord, error) {
	if len(b) != 5+digestLength || b[0] != tagReply {
		return replyRecord{}, fmt.Errorf("%w: reply record of %d bytes", ErrMalformed, len(b))
	}
	var r replyRecord
	r.Challenge = binary.BigEndian.Uint32(b[1:5])
	copy(r.Digest[:], b[5:])
	return r, nil
}

func encodeAck(digest [digestLength]byte) []byte {
	return append([]byte{tagAck}, digest[:]...)
}

func decodeAck(b []byte) ([digestLength]byte, error) {
	var d [digestLength]byte
	if len(b) != 1+digestLength || b[0] != tagAck {
		return d, fmt.Errorf("%w: ack record of %d bytes", ErrMalformed, len(b))
	}
	copy(d[:], b[1:])
	return d, nil
}

// Digest is MD5 over the cookie followed by the decimal challenge.
func Digest(cookie string, challenge uint32) [digestLength]byte {
	h := md5.New()
	h.Write([]byte(cookie))
	h.Write([]byte(strconv.FormatUint(uint64(challenge), 10)))
	var d [digestLength]byte
	copy(d[:], h.Sum(nil))
	return d
}

func digestsEqual(a, b [digestLength]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
