package recording

import (
	"log/slog"
	"strings"
	"time"
)

// TimestampLayout is the local-time prefix of every recording filename.
const TimestampLayout = "2006-01-02 15-04-05"

// forbiddenChars are replaced with '_' in derived filenames.
const forbiddenChars = "\":\\/*?|<>$%&'`{}[]()@"

// Deriver builds recording filenames from the caller's remote info, for
// example `"Jane Doe" <sip:491701234567@example.com>`.
type Deriver struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// NewDeriver returns a deriver using the local wall clock.
func NewDeriver() *Deriver {
	return &Deriver{
		Now:    time.Now,
		Logger: slog.Default().With("component", "recording"),
	}
}

// DeriveFilename returns "<YYYY-MM-DD HH-MM-SS> <number>[ <name>].wav" with
// filesystem-hostile characters replaced, plus the extracted number.
func (d *Deriver) DeriveFilename(remoteInfo string) (filename, number string) {
	name := DisplayName(remoteInfo)
	uri := URI(remoteInfo)

	number, ok := Number(uri)
	if !ok && d.Logger != nil {
		d.Logger.Warn("remote uri does not start with sip:", "uri", uri)
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	var b strings.Builder
	b.WriteString(now().Format(TimestampLayout))
	b.WriteByte(' ')
	b.WriteString(number)
	if name != "" {
		b.WriteByte(' ')
		b.WriteString(name)
	}
	return Sanitize(b.String()) + ".wav", number
}

// DisplayName returns the text between the first and last double quote.
func DisplayName(remoteInfo string) string {
	first := strings.IndexByte(remoteInfo, '"')
	last := strings.LastIndexByte(remoteInfo, '"')
	if first < 0 || last <= first {
		return ""
	}
	return remoteInfo[first+1 : last]
}

// URI returns the text between the first '<' and the last '>', or the whole
// string when it is not bracketed.
func URI(remoteInfo string) string {
	first := strings.IndexByte(remoteInfo, '<')
	last := strings.LastIndexByte(remoteInfo, '>')
	if first < 0 || last <= first {
		return strings.TrimSpace(remoteInfo)
	}
	return remoteInfo[first+1 : last]
}

// Number returns the user part of a sip: URI. The second result is false
// when the URI has no sip: scheme.
func Number(uri string) (string, bool) {
	i := strings.Index(uri, "sip:")
	if i < 0 {
		return "", false
	}
	user := uri[i+len("sip:"):]
	if at := strings.IndexByte(user, '@'); at >= 0 {
		return user[:at], true
	}
	if semi := strings.IndexByte(user, ';'); semi >= 0 {
		return user[:semi], true
	}
	return user, true
}

// Sanitize replaces every forbidden filename character with '_'.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return '_'
		}
		return r
	}, s)
}
