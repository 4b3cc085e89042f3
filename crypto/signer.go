package crypto

// Signer is a stateful one-time-signature key. Every call to Sign consumes
// the current OTS index; the caller is responsible for persisting the index
// and for never rewinding it below a value already used on chain.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
	Address() []byte
	Height() uint8
	OTSIndex() uint32
	SetOTSIndex(index uint32)
}

// Verifier checks a signature over message against an extended public key.
type Verifier interface {
	Verify(message, signature, publicKey []byte) bool
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(message, signature, publicKey []byte) bool

func (f VerifierFunc) Verify(message, signature, publicKey []byte) bool {
	return f(message, signature, publicKey)
}

// RejectAll is the Verifier of a node built without the native signature
// library. Unsigned coinbase transactions still apply.
var RejectAll Verifier = VerifierFunc(func(_, _, _ []byte) bool { return false })
