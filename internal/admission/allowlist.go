package admission

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// DefaultNumbersFile is the allowlist consulted by the numcheck command.
const DefaultNumbersFile = "numbers.txt"

// ErrAllowlistCreated is returned by LoadAllowlist when the file did not
// exist and an empty template was written in its place.
var ErrAllowlistCreated = errors.New("numbers file did not exist and was created")

const allowlistHeader = "# Numbers file for numcheck.py\n# one number per line, # makes a comment\n"

// Allowlist is a set of number prefixes, one per line. Lines starting with
// '#' and blank lines are ignored; anything after the first space or '#'
// on a line is a comment.
type Allowlist struct {
	prefixes []string
}

// LoadAllowlist reads path, creating it with a commented header when it is
// missing.
func LoadAllowlist(path string) (*Allowlist, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if werr := os.WriteFile(path, []byte(allowlistHeader), 0o644); werr != nil {
			return nil, fmt.Errorf("creating %s: %w", path, werr)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrAllowlistCreated)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	a := &Allowlist{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.ReplaceAll(line, "#", " ")
		prefix, _, _ := strings.Cut(line, " ")
		prefix = strings.TrimRight(prefix, "\r\t")
		if prefix == "" {
			continue
		}
		a.prefixes = append(a.prefixes, prefix)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return a, nil
}

// Match reports whether number starts with any listed prefix.
func (a *Allowlist) Match(number string) bool {
	for _, p := range a.prefixes {
		if strings.HasPrefix(number, p) {
			return true
		}
	}
	return false
}

// Len returns the number of prefixes.
func (a *Allowlist) Len() int { return len(a.prefixes) }
