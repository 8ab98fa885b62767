package security

// SchemeFor selects the encapsulation scheme for a node given its
// granted class and the installed keys. S2 wins over S0 when a non-S0
// class is granted or a temporary bootstrap key is present.
func SchemeFor(granted KeyClass, keyring *Keyring) KeyClass {
	if keyring.Has(KeyClassTemporary) {
		return KeyClassTemporary
	}
	if granted.IsS2() && keyring.Has(granted) {
		return granted
	}
	if granted == KeyClassS0Legacy && keyring.Has(KeyClassS0Legacy) {
		return KeyClassS0Legacy
	}
	return KeyClassNone
}
