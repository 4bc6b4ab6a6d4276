package deck

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"embed"

	yaml "gopkg.in/yaml.v3"

	"github.com/mkim-dev/quizduel/internal/duel"
)

//go:embed questions.yaml
var defaultFiles embed.FS

var ErrPoolTooSmall = errors.New("question pool too small for requested rounds")

// Bank is a local question source loaded from the embedded default catalog
// plus an optional override directory of YAML files. Decks are sampled with
// a private rng so repeated builds differ, but a fixed seed makes sampling
// reproducible for tests.
type Bank struct {
	mu        sync.RWMutex
	questions []duel.Question

	rngMu sync.Mutex
	rng   *rand.Rand
}

type BankOption func(*Bank)

// WithSeed pins the sampling rng, making BuildDeck reproducible.
func WithSeed(seed int64) BankOption {
	return func(b *Bank) { b.rng = rand.New(rand.NewSource(seed)) }
}

// NewBank loads the embedded catalog and then applies overrides from dir if
// provided. Override files fully add to the pool; duplicate question text
// across files is rejected so two clients loading the same directory always
// hold the same pool.
func NewBank(overrideDir string, opts ...BankOption) (*Bank, error) {
	b := &Bank{rng: rand.New(rand.NewSource(randomSeed()))}
	for _, opt := range opts {
		opt(b)
	}

	raw, err := fs.ReadFile(defaultFiles, "questions.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded questions: %w", err)
	}
	if err := b.applyYAML(raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := b.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// BuildDeck samples rounds questions matching category and difficulty.
// Empty category or difficulty matches everything.
func (b *Bank) BuildDeck(ctx context.Context, category, difficulty string, rounds int) ([]duel.Question, error) {
	if rounds <= 0 {
		return nil, duel.ErrInvalidArgs
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	pool := make([]duel.Question, 0, len(b.questions))
	for _, q := range b.questions {
		if category != "" && !strings.EqualFold(q.Category, category) {
			continue
		}
		if difficulty != "" && !strings.EqualFold(q.Difficulty, difficulty) {
			continue
		}
		pool = append(pool, q)
	}
	b.mu.RUnlock()

	if len(pool) < rounds {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrPoolTooSmall, len(pool), rounds)
	}

	b.rngMu.Lock()
	b.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	b.rngMu.Unlock()

	out := make([]duel.Question, rounds)
	copy(out, pool[:rounds])
	return out, nil
}

// Size returns how many questions the pool currently holds.
func (b *Bank) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.questions)
}

type catalogFile struct {
	Questions []catalogQuestion `yaml:"questions"`
}

type catalogQuestion struct {
	Text       string   `yaml:"text"`
	Options    []string `yaml:"options"`
	Correct    int      `yaml:"correct"`
	Category   string   `yaml:"category"`
	Difficulty string   `yaml:"difficulty"`
}

func (b *Bank) applyYAML(raw []byte) error {
	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return err
	}
	qs := make([]duel.Question, 0, len(cf.Questions))
	for i, cq := range cf.Questions {
		if strings.TrimSpace(cq.Text) == "" || len(cq.Options) < 2 {
			return fmt.Errorf("question %d: text and at least two options required", i)
		}
		if cq.Correct < 0 || cq.Correct >= len(cq.Options) {
			return fmt.Errorf("question %d: correct index %d out of range", i, cq.Correct)
		}
		qs = append(qs, duel.Question{
			Text:         strings.TrimSpace(cq.Text),
			Options:      cq.Options,
			CorrectIndex: cq.Correct,
			Category:     strings.ToLower(strings.TrimSpace(cq.Category)),
			Difficulty:   strings.ToLower(strings.TrimSpace(cq.Difficulty)),
		})
	}
	b.mu.Lock()
	b.questions = append(b.questions, qs...)
	b.mu.Unlock()
	return nil
}

func (b *Bank) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read question dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	// deterministic order so every client builds the identical pool
	sort.Strings(files)

	seen := make(map[string]string) // question text -> filename
	b.mu.RLock()
	for _, q := range b.questions {
		seen[q.Text] = "embedded"
	}
	b.mu.RUnlock()

	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		var cf catalogFile
		if err := yaml.Unmarshal(raw, &cf); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		for _, cq := range cf.Questions {
			if prev, ok := seen[strings.TrimSpace(cq.Text)]; ok {
				return fmt.Errorf("duplicate question %q in %s and %s", cq.Text, prev, name)
			}
			seen[strings.TrimSpace(cq.Text)] = name
		}
		if err := b.applyYAML(raw); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func randomSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}
