package verify

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/solinex/clearmatch/pkg/models"
)

// CanonicalBytes builds the canonical byte encoding of the signed order
// fields: sender, side, price, quantity, expiry, nonce. Each field is
// length-prefixed with a uvarint and integers are big-endian fixed
// width, so the encoding is reproducible bit-for-bit across
// implementations. SubmitSeq and the signature itself are never part of
// the payload.
func CanonicalBytes(o *models.Order) []byte {
	buf := make([]byte, 0, 64)
	buf = appendField(buf, o.Sender[:])
	buf = appendField(buf, []byte(o.Side))
	buf = appendField(buf, beUint64(o.Price))
	buf = appendField(buf, beUint64(o.Quantity))
	buf = appendField(buf, beUint64(uint64(o.Expiry)))
	buf = appendField(buf, beUint64(o.Nonce))
	return buf
}

// Digest hashes the canonical encoding with BLAKE2b-256. Signatures are
// made over this 32-byte digest.
func Digest(o *models.Order) [32]byte {
	return blake2b.Sum256(CanonicalBytes(o))
}

func appendField(buf, field []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(field)))
	return append(buf, field...)
}

func beUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
