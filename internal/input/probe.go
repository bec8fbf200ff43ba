package input

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultDir is where event nodes are discovered.
const DefaultDir = "/dev/input"

// ErrNoDevices is returned when discovery finds no usable device.
var ErrNoDevices = errors.New("no input devices found")

// keyboardMinimum is the key set a device must expose to be considered a
// keyboard at all.
var keyboardMinimum = []int{keyLeftCtrl, keyLeftAlt, keySpace, keyBackspace, keyEnter, keyTab, keyEsc}

// Score rates how well c fits role. The boolean is false when c does not
// qualify at all.
func Score(c *Caps, role Role) (int, bool) {
	switch role {
	case RoleKeyboard:
		for _, k := range keyboardMinimum {
			if !c.Key.has(k) {
				return 0, false
			}
		}
		score := 1 + c.Key.count() - 2*c.Rel.count() - 2*c.Abs.count()
		if c.Led.count() > 0 {
			score += 16
		}
		if c.FF.count() > 0 {
			score -= 32
		}
		return max(score, 1), true

	case RoleMouse:
		if c.Rel.count() < 2 {
			return 0, false
		}
		score := 8 * c.Rel.count()
		for b := btnLeft; b <= btnTask; b++ {
			if c.Key.has(b) {
				score += 4
			}
		}
		if c.Rel.has(relX) && c.Rel.has(relY) {
			score += 16
		}
		return score - c.Abs.count(), true

	case RoleTouch:
		touchButton := c.Key.has(btnTouch) || (c.Key.has(btnLeft) && c.Rel.count() == 0)
		xy := c.Abs.has(absX) && c.Abs.has(absY)
		mt := c.Abs.has(absMTPositionX) && c.Abs.has(absMTPositionY)
		if !touchButton || !(xy || mt) {
			return 0, false
		}
		return 1, true
	}
	return 0, false
}

// Candidate is one probed event node.
type Candidate struct {
	Path   string
	Caps   *Caps
	Scores map[Role]int
}

// Probe opens path just long enough to read its capabilities.
func Probe(path string) (*Caps, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)
	return QueryCaps(fd)
}

// Scan probes every event node in dir. Nodes that cannot be probed are
// logged and skipped.
func Scan(dir string, log *logrus.Entry) ([]Candidate, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "event*"))
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool { return eventIndex(paths[i]) < eventIndex(paths[j]) })

	var out []Candidate
	for _, path := range paths {
		caps, err := Probe(path)
		if err != nil {
			log.WithError(err).WithField("device", path).Debug("probe failed")
			continue
		}
		out = append(out, NewCandidate(path, caps))
	}
	return out, nil
}

// NewCandidate scores caps for every role.
func NewCandidate(path string, caps *Caps) Candidate {
	c := Candidate{Path: path, Caps: caps, Scores: make(map[Role]int)}
	for _, role := range Roles {
		if s, ok := Score(caps, role); ok {
			c.Scores[role] = s
		}
	}
	return c
}

// eventIndex orders event2 before event10.
func eventIndex(path string) int {
	n := 0
	for _, r := range strings.TrimPrefix(filepath.Base(path), "event") {
		if r < '0' || r > '9' {
			return 1 << 30
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Select assigns at most one candidate to each role. Overrides name a
// device node path, a node name within the scanned directory or a device
// name, and bypass scoring. Without an override, touch takes the first
// qualifying node and the other roles take the highest score. A node is
// assigned to one role only.
func Select(cands []Candidate, overrides map[Role]string) map[Role]Candidate {
	chosen := make(map[Role]Candidate)
	used := make(map[string]bool)

	for _, role := range Roles {
		want, ok := overrides[role]
		if !ok || want == "" {
			continue
		}
		for _, c := range cands {
			if Matches(c, want) {
				chosen[role] = c
				used[c.Path] = true
				break
			}
		}
	}

	for _, role := range Roles {
		if _, ok := chosen[role]; ok {
			continue
		}
		if _, ok := overrides[role]; ok && overrides[role] != "" {
			continue
		}
		best, bestScore := -1, 0
		for i, c := range cands {
			s, ok := c.Scores[role]
			if !ok || used[c.Path] {
				continue
			}
			if role == RoleTouch {
				best = i
				break
			}
			if best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		if best >= 0 {
			chosen[role] = cands[best]
			used[cands[best].Path] = true
		}
	}
	return chosen
}

// Matches reports whether an override names c by node path, node name
// or device name.
func Matches(c Candidate, want string) bool {
	return c.Path == want || filepath.Base(c.Path) == want || c.Caps.Name == want
}

// Discover scans dir and selects a device per role.
func Discover(dir string, overrides map[Role]string, log *logrus.Entry) (map[Role]Candidate, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("input dir: %w", err)
	}
	cands, err := Scan(dir, log)
	if err != nil {
		return nil, err
	}
	for role, want := range overrides {
		if !filepath.IsAbs(want) || containsPath(cands, want) {
			continue
		}
		caps, err := Probe(want)
		if err != nil {
			log.WithError(err).WithField("role", role).Warn("override device unusable")
			continue
		}
		cands = append(cands, NewCandidate(want, caps))
	}
	chosen := Select(cands, overrides)
	if len(chosen) == 0 {
		return nil, ErrNoDevices
	}
	for role, c := range chosen {
		log.WithFields(logrus.Fields{
			"role":   role,
			"device": c.Path,
			"name":   c.Caps.Name,
			"score":  c.Scores[role],
		}).Info("selected input device")
	}
	return chosen, nil
}

func containsPath(cands []Candidate, path string) bool {
	for _, c := range cands {
		if c.Path == path {
			return true
		}
	}
	return false
}
