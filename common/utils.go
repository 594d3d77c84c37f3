package common

// MaskSecret redacts a sensitive string for diagnostic output: the
// first and last four characters survive for strings longer than 8
// characters, shorter non-empty strings become "***", and the empty
// string reads "<not set>" so a missing secret is distinguishable
// from a masked one.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
