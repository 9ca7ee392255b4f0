// Package useragent rotates realistic browser user-agent strings.
package useragent

import "math/rand"

var pool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
}

// Pick returns a random user agent. A non-empty preferred string joins the
// candidate set so configured defaults stay in rotation.
func Pick(preferred string) string {
	candidates := pool
	if preferred != "" && !contains(pool, preferred) {
		candidates = append(append([]string(nil), pool...), preferred)
	}
	return candidates[rand.Intn(len(candidates))]
}

// Default returns a stable fallback agent for callers that must not rotate.
func Default() string {
	return pool[0]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
