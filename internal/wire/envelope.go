package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrMalformed marks structural envelope failures that surface as 400.
var ErrMalformed = errors.New("wire: malformed envelope")

// ItemType is the declared type of an envelope item.
type ItemType string

const (
	ItemEvent       ItemType = "event"
	ItemTransaction ItemType = "transaction"
)

// ignoredItemTypes are understood but not ingested. They are skipped by
// byte length when one is declared, or to the next newline otherwise.
var ignoredItemTypes = map[ItemType]bool{
	"log":           true,
	"session":       true,
	"sessions":      true,
	"client_report": true,
	"attachment":    true,
	"user_report":   true,
	"check_in":      true,
	"profile":       true,
	"span":          true,
}

func isIgnoredItemType(t ItemType) bool {
	if ignoredItemTypes[t] {
		return true
	}
	return strings.HasPrefix(string(t), "replay_")
}

// EnvelopeHeader is the first line of an envelope.
type EnvelopeHeader struct {
	EventID string          `json:"event_id,omitempty"`
	DSN     string          `json:"dsn,omitempty"`
	SDK     json.RawMessage `json:"sdk,omitempty"`
	SentAt  time.Time       `json:"sent_at,omitempty"`
}

// ItemHeader precedes each item payload.
type ItemHeader struct {
	Type        ItemType `json:"type"`
	Length      *int64   `json:"length,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

// Item is one parsed envelope item.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Envelope is the parsed container. Truncated reports whether parsing
// stopped early at an unskippable item with the items so far kept.
type Envelope struct {
	Header    EnvelopeHeader
	Items     []Item
	Truncated bool
}

// maxItemLength bounds a single declared item payload independently of the
// request cap, so a lying header cannot force a huge allocation.
const maxItemLength = 100 << 20

// ParseEnvelope reads the newline-delimited envelope format:
//
//	<envelope-header JSON>\n
//	<item-header JSON>\n
//	<item-payload bytes>\n
//
// A payload is read as exactly header.length bytes followed by a newline
// when a length is declared, or up to the next newline otherwise. Unknown
// item types without a length make the remainder unrecoverable; parsing
// stops there and keeps the items parsed so far.
func ParseEnvelope(r io.Reader) (*Envelope, error) {
	br := bufio.NewReader(r)

	headerLine, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("%w: missing envelope header", ErrMalformed)
	}
	env := &Envelope{}
	if err := json.Unmarshal(headerLine, &env.Header); err != nil {
		return nil, fmt.Errorf("%w: envelope header: %v", ErrMalformed, err)
	}

	for {
		itemLine, err := readLine(br)
		if err == io.EOF {
			return env, nil
		}
		if err != nil {
			return env, err
		}
		if len(bytes.TrimSpace(itemLine)) == 0 {
			continue
		}

		var header ItemHeader
		if err := json.Unmarshal(itemLine, &header); err != nil {
			return env, fmt.Errorf("%w: item header: %v", ErrMalformed, err)
		}
		if header.Type == "" {
			return env, fmt.Errorf("%w: item header missing type", ErrMalformed)
		}
		if header.Length != nil && (*header.Length < 0 || *header.Length > maxItemLength) {
			return env, fmt.Errorf("%w: item length %d out of range", ErrMalformed, *header.Length)
		}

		keep := header.Type == ItemEvent || header.Type == ItemTransaction

		var payload []byte
		switch {
		case header.Length != nil:
			payload, err = readExact(br, *header.Length, keep)
			if err != nil {
				return env, err
			}
		case keep || isIgnoredItemType(header.Type):
			payload, err = readLine(br)
			if err != nil && err != io.EOF {
				return env, err
			}
			if err == io.EOF && len(payload) == 0 {
				return env, nil
			}
		default:
			// Unknown type with no length: the item boundary cannot be
			// determined, so the rest of the envelope is dropped.
			env.Truncated = true
			return env, nil
		}

		if keep {
			env.Items = append(env.Items, Item{Header: header, Payload: payload})
		}
	}
}

// readLine returns one newline-terminated line without the terminator.
// io.EOF with data still yields the data (final line may be unterminated).
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

// readExact reads n payload bytes plus the trailing newline. When keep is
// false the bytes are discarded without retention.
func readExact(br *bufio.Reader, n int64, keep bool) ([]byte, error) {
	var payload []byte
	if keep {
		payload = make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("%w: item payload short read: %v", ErrMalformed, err)
		}
	} else {
		if _, err := io.CopyN(io.Discard, br, n); err != nil {
			return nil, fmt.Errorf("%w: item payload short read: %v", ErrMalformed, err)
		}
	}
	// Consume the newline after a length-delimited payload; EOF at the very
	// end of the envelope is fine.
	b, err := br.ReadByte()
	if err != nil && err != io.EOF {
		return nil, err
	}
	if err == nil && b != '\n' {
		return nil, fmt.Errorf("%w: item payload not newline-terminated", ErrMalformed)
	}
	return payload, nil
}
