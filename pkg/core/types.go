package core

// CID represents binary CID bytes.
type CID struct {
	Bytes []byte
}

// Empty reports whether the CID carries no bytes.
func (c CID) Empty() bool {
	return len(c.Bytes) == 0
}
