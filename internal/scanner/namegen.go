package scanner

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// adjectives and nouns are both alliterative-friendly word lists grouped by
// leading letter, so a generated name can pair a same-letter pair ("brisk
// badger") for the alliteration requirement in §4.A.
var adjectivesByLetter = map[byte][]string{
	'b': {"brisk", "bold", "blue", "breezy"},
	'c': {"calm", "crisp", "clever", "curious"},
	'd': {"dapper", "daring", "dusty", "deft"},
	'f': {"fleet", "fuzzy", "frosty", "faint"},
	'g': {"giddy", "gentle", "golden", "grand"},
	'l': {"lively", "lucky", "lean", "lunar"},
	'm': {"merry", "mellow", "misty", "mighty"},
	'p': {"plucky", "proud", "placid", "prime"},
	'q': {"quick", "quiet", "quirky"},
	's': {"swift", "sturdy", "sunny", "sly"},
	't': {"tidy", "terse", "tawny", "tame"},
	'w': {"witty", "windy", "wry", "warm"},
}

var nounsByLetter = map[byte][]string{
	'b': {"badger", "beagle", "bison", "beetle"},
	'c': {"crane", "condor", "cobra", "cricket"},
	'd': {"dingo", "duck", "dolphin", "drake"},
	'f': {"ferret", "falcon", "finch", "fox"},
	'g': {"gopher", "gecko", "goose", "gazelle"},
	'l': {"lynx", "lemur", "llama", "locust"},
	'm': {"marten", "magpie", "mantis", "moose"},
	'p': {"puffin", "panther", "pelican", "puma"},
	'q': {"quail", "quokka"},
	's': {"sparrow", "seal", "stoat", "swan"},
	't': {"tapir", "toucan", "tiger", "tern"},
	'w': {"wombat", "weasel", "wren", "walrus"},
}

var letters = func() []byte {
	var ls []byte
	for l := range adjectivesByLetter {
		if _, ok := nounsByLetter[l]; ok {
			ls = append(ls, l)
		}
	}
	return ls
}()

// GenerateName returns a random alliterative two-word lowercase-hyphen name
// (e.g. "brisk-badger"). Errors only if the crypto RNG fails.
func GenerateName() (string, error) {
	letter, err := pick(letters)
	if err != nil {
		return "", err
	}
	adj, err := pick(adjectivesByLetter[letter])
	if err != nil {
		return "", err
	}
	noun, err := pick(nounsByLetter[letter])
	if err != nil {
		return "", err
	}
	return adj + "-" + noun, nil
}

func pick[T any](options []T) (T, error) {
	var zero T
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		return zero, fmt.Errorf("generating random index: %w", err)
	}
	return options[n.Int64()], nil
}

// GenerateUniqueName retries up to maxAttempts times to find a name for
// which taken returns false, per §4.A's "retry up to a small bound then
// fail" collision policy.
func GenerateUniqueName(taken func(string) bool, maxAttempts int) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		name, err := GenerateName()
		if err != nil {
			return "", err
		}
		if !taken(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no unique folder name found after %d attempts", maxAttempts)
}
