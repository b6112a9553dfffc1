package compose

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-pulse-bot/internal/market"
)

// ErrOverflow reports that even the minimal post cannot fit the hard length
// ceiling.
var ErrOverflow = errors.New("formatted post exceeds hard length limit")

const padLine = "\nDetailed analysis available."

// Constraints bound the published text length.
type Constraints struct {
	MinLength    int
	TargetLength int
	HardLimit    int
	Hashtags     string
}

// Formatter builds publish candidates from analysis text. Pure except for
// the clock; it never calls an external service and the only failure mode is
// ErrOverflow.
type Formatter struct {
	constraints Constraints
	now         func() time.Time
}

// NewFormatter constructs a Formatter.
func NewFormatter(constraints Constraints) *Formatter {
	return &Formatter{constraints: constraints, now: time.Now}
}

// Build trims the analysis to the target length, appends the hashtag
// trailer, and pads short posts up to the minimum. Returns ErrOverflow when
// the mandatory header and trailer alone break the hard ceiling.
func (f *Formatter) Build(analysisText string, snapshot market.Snapshot) (Candidate, error) {
	header := f.header(snapshot)
	trailer := "\n" + f.constraints.Hashtags

	if len(header)+len(trailer) > f.constraints.HardLimit {
		return Candidate{}, ErrOverflow
	}

	var body strings.Builder
	for _, line := range strings.Split(analysisText, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		if len(header)+body.Len()+len(line)+1+len(trailer) > f.constraints.TargetLength {
			break
		}
		body.WriteString(line)
		body.WriteString("\n")
	}

	text := header + body.String() + trailer
	if len(text) < f.constraints.MinLength {
		text += padLine
	}

	if len(text) > f.constraints.HardLimit {
		return Candidate{}, ErrOverflow
	}

	return Candidate{
		Text:        text,
		Fingerprint: fingerprint(text, snapshot),
		Snapshot:    snapshot,
	}, nil
}

func (f *Formatter) header(snapshot market.Snapshot) string {
	return fmt.Sprintf(
		"ETH/BTC Market Analysis - %s\n\nBTC: $%s (%s%%)\nETH: $%s (%s%%)\n\n",
		f.now().UTC().Format("2006-01-02 15:04:05"),
		groupThousands(snapshot.BTC.Price),
		snapshot.BTC.Change24hPct.StringFixed(2),
		groupThousands(snapshot.ETH.Price),
		snapshot.ETH.Change24hPct.StringFixed(2),
	)
}

// groupThousands renders a price with comma separators, e.g. 63,421.75.
func groupThousands(d decimal.Decimal) string {
	s := d.StringFixed(2)

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	var out strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(digit)
	}

	result := out.String() + "." + fracPart
	if neg {
		result = "-" + result
	}
	return result
}
