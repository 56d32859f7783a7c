package kem

func PublicKeySize() int  { return scheme.PublicKeySize() }
func PrivateKeySize() int { return scheme.PrivateKeySize() }
func CiphertextSize() int { return scheme.CiphertextSize() }
