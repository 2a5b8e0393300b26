package fieldcipher

// KeySize is the derived key length in bytes.
const KeySize = 32

// keyFiller pads secrets shorter than KeySize.
const keyFiller = '0'

// deriveKey normalizes secret to exactly KeySize bytes: shorter secrets are
// right-padded with keyFiller, longer ones truncated. The mapping must never
// change; doing so orphans every stored payload.
func deriveKey(secret string) []byte {
	key := make([]byte, KeySize)
	n := copy(key, secret)
	for i := n; i < KeySize; i++ {
		key[i] = keyFiller
	}
	return key
}
