package conversation

import (
	"sort"
	"strconv"
	"time"

	"chatline/internal/content"
	"chatline/internal/models"
)

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateSystem    State = "system"
)

// Entry is one line of the displayed conversation.
type Entry struct {
	// Key is the temporary id while pending and the server id once confirmed.
	// Entries without a server id are keyed by their fingerprint.
	Key     string
	TempID  string
	State   State
	Message models.Message
	HTML    string
}

// fingerprint matches a message that arrived without a server id against
// the entries already shown.
func fingerprint(senderID, text string, createdAt time.Time) string {
	return senderID + "\x00" + text + "\x00" + strconv.FormatInt(createdAt.UnixMilli(), 10)
}

func renderText(text string) string {
	html, err := content.Render(text)
	if err != nil {
		return content.Escape(text)
	}
	return html
}

func (e Entry) fingerprint() string {
	return fingerprint(e.Message.SenderID(), e.Message.Text, e.Message.CreatedAt)
}

// entryList keeps entries sorted by creation time, oldest first. Entries with
// equal timestamps keep their arrival order. Every entry is indexed by key and
// by fingerprint, whether or not it has a server id.
type entryList struct {
	entries      []Entry
	keys         map[string]struct{}
	fingerprints map[string]int
}

func newEntryList() entryList {
	return entryList{
		keys:         make(map[string]struct{}),
		fingerprints: make(map[string]int),
	}
}

func (l *entryList) has(key string) bool {
	_, ok := l.keys[key]
	return ok
}

func (l *entryList) hasFingerprint(fp string) bool {
	return l.fingerprints[fp] > 0
}

func (l *entryList) indexOf(key string) int {
	if !l.has(key) {
		return -1
	}
	for i := range l.entries {
		if l.entries[i].Key == key {
			return i
		}
	}
	return -1
}

func (l *entryList) insert(e Entry) {
	at := e.Message.CreatedAt
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Message.CreatedAt.After(at)
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	l.keys[e.Key] = struct{}{}
	l.fingerprints[e.fingerprint()]++
}

func (l *entryList) removeAt(i int) Entry {
	e := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.keys, e.Key)
	fp := e.fingerprint()
	if l.fingerprints[fp]--; l.fingerprints[fp] <= 0 {
		delete(l.fingerprints, fp)
	}
	return e
}

func (l *entryList) remove(key string) (Entry, bool) {
	i := l.indexOf(key)
	if i < 0 {
		return Entry{}, false
	}
	return l.removeAt(i), true
}

// replace swaps the entry stored under key for e, moving it if its
// timestamp changed.
func (l *entryList) replace(key string, e Entry) bool {
	if _, ok := l.remove(key); !ok {
		return false
	}
	l.insert(e)
	return true
}

// oldestPending returns the key of the oldest pending entry sent by senderID
// with the given text.
func (l *entryList) oldestPending(senderID, text string) (string, bool) {
	for _, e := range l.entries {
		if e.State == StatePending && e.Message.SenderID() == senderID && e.Message.Text == text {
			return e.Key, true
		}
	}
	return "", false
}

func (l *entryList) snapshot() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
