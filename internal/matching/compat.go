package matching

import "github.com/whisper/pairchat/internal/profile"

// Compatible reports whether cand is acceptable to req and req is
// acceptable to cand. "any" on either side accepts every gender.
func Compatible(req, cand profile.Preference) bool {
	return req.Seeking.Accepts(cand.Gender) && cand.Seeking.Accepts(req.Gender)
}
