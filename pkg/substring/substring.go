// Package substring implements Knuth-Morris-Pratt substring search.
// A Matcher is compiled once per needle and can then scan any number of
// haystacks in linear time.
package substring

// Matcher searches for a single needle.
// It is safe for concurrent use once created.
type Matcher struct {
	needle string
	// lps[i] is the length of the longest proper prefix of needle[:i+1]
	// that is also a suffix of it.
	lps []int
}

// Compile builds the failure table for needle.
func Compile(needle string) *Matcher {
	m := &Matcher{
		needle: needle,
		lps:    make([]int, len(needle)),
	}
	length := 0
	for i := 1; i < len(needle); {
		if needle[i] == needle[length] {
			length++
			m.lps[i] = length
			i++
		} else if length > 0 {
			length = m.lps[length-1]
		} else {
			m.lps[i] = 0
			i++
		}
	}
	return m
}

// Needle returns the string the matcher was compiled for.
func (m *Matcher) Needle() string {
	return m.needle
}

// Index returns the index of the first occurrence of the needle in haystack,
// or -1 if it is not present. An empty needle matches at 0.
func (m *Matcher) Index(haystack string) int {
	n := len(m.needle)
	if n == 0 {
		return 0
	}
	j := 0
	for i := 0; i < len(haystack); {
		if haystack[i] == m.needle[j] {
			i++
			j++
			if j == n {
				return i - n
			}
		} else if j > 0 {
			j = m.lps[j-1]
		} else {
			i++
		}
	}
	return -1
}

// Contains reports whether the needle occurs in haystack.
func (m *Matcher) Contains(haystack string) bool {
	return m.Index(haystack) >= 0
}

// Index is a convenience wrapper for one-off searches.
func Index(haystack, needle string) int {
	return Compile(needle).Index(haystack)
}

// Contains is a convenience wrapper for one-off searches.
func Contains(haystack, needle string) bool {
	return Index(haystack, needle) >= 0
}
