package config

// MaskDatabaseURL masks the password in a database URL for logging. It scans
// the authority section by hand instead of using net/url so that malformed
// URLs and passwords containing "@" or ":" still come out masked.
func MaskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	// Start of the authority section, after "//".
	authStart := -1

	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2

			break
		}
	}

	if authStart == -1 {
		return url
	}

	// The password may contain "@", so the host separator is the LAST "@"
	// before the path, query, or fragment begins.
	atPos := -1

	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}

		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	// First ":" inside the user info separates user from password.
	colonPos := -1

	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i

			break
		}
	}

	if colonPos == -1 {
		return url
	}

	if atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
