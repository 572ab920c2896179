package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	EndOfText = "<|endoftext|>"

	defaultCacheSize = 4096
)

// gpt2Pattern splits text into the pre-tokens BPE runs on. The trailing
// whitespace rule needs a lookahead, which is why regexp2 is used here.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type Pair struct {
	Left  string
	Right string
}

// Tokenizer is a GPT-2 byte-level BPE tokenizer. It is safe for concurrent use.
type Tokenizer struct {
	encoder     map[string]int
	decoder     map[int]string
	ranks       map[Pair]int
	byteEncoder [256]rune
	byteDecoder map[rune]byte
	pattern     *regexp2.Regexp
	cache       *lru.Cache[string, []int]
	eot         int
}

type Option func(*options)

type options struct {
	cacheSize int
}

func WithCacheSize(size int) Option {
	return func(o *options) {
		o.cacheSize = size
	}
}

func New(vocab map[string]int, merges []Pair, opts ...Option) (*Tokenizer, error) {
	o := &options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(o)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	if o.cacheSize <= 0 {
		o.cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []int](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("init bpe cache: %w", err)
	}
	pattern, err := regexp2.Compile(gpt2Pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}
	t := &Tokenizer{
		encoder: vocab,
		decoder: make(map[int]string, len(vocab)),
		ranks:   make(map[Pair]int, len(merges)),
		pattern: pattern,
		cache:   cache,
		eot:     -1,
	}
	for tok, id := range vocab {
		t.decoder[id] = tok
	}
	for i, p := range merges {
		if _, ok := t.ranks[p]; !ok {
			t.ranks[p] = i
		}
	}
	if id, ok := vocab[EndOfText]; ok {
		t.eot = id
	}
	t.byteEncoder, t.byteDecoder = byteToUnicode()
	return t, nil
}

// Load reads a Hugging Face style vocab.json / merges.txt pair.
func Load(vocabPath, mergesPath string, opts ...Option) (*Tokenizer, error) {
	vocab, err := readVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	merges, err := readMerges(mergesPath)
	if err != nil {
		return nil, err
	}
	return New(vocab, merges, opts...)
}

func readVocab(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer file.Close()
	vocab := make(map[string]int)
	if err := json.NewDecoder(file).Decode(&vocab); err != nil {
		return nil, fmt.Errorf("decode vocab: %w", err)
	}
	return vocab, nil
}

func readMerges(path string) ([]Pair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open merges: %w", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	merges := make([]Pair, 0, 50000)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid merge line %q", line)
		}
		merges = append(merges, Pair{Left: parts[0], Right: parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}
	return merges, nil
}

func (t *Tokenizer) VocabSize() int {
	return len(t.encoder)
}

// EOT returns the end-of-text token id, or -1 when the vocabulary has none.
func (t *Tokenizer) EOT() int {
	return t.eot
}

func (t *Tokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)/3+1)
	m, err := t.pattern.FindStringMatch(text)
	for m != nil && err == nil {
		word, werr := t.encodeWord(m.String())
		if werr != nil {
			return nil, werr
		}
		ids = append(ids, word...)
		m, err = t.pattern.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}
	return ids, nil
}

func (t *Tokenizer) encodeWord(word string) ([]int, error) {
	if cached, ok := t.cache.Get(word); ok {
		return cached, nil
	}
	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteEncoder[b])
	}
	pieces := t.bpe(sb.String())
	ids := make([]int, 0, len(pieces))
	for _, piece := range pieces {
		id, ok := t.encoder[piece]
		if !ok {
			return nil, fmt.Errorf("token %q not in vocabulary", piece)
		}
		ids = append(ids, id)
	}
	t.cache.Add(word, ids)
	return ids, nil
}

// bpe repeatedly merges the adjacent pair with the lowest merge rank.
func (t *Tokenizer) bpe(token string) []string {
	word := make([]string, 0, utf8.RuneCountInString(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	for len(word) > 1 {
		best := -1
		var bestPair Pair
		for i := 0; i < len(word)-1; i++ {
			p := Pair{Left: word[i], Right: word[i+1]}
			rank, ok := t.ranks[p]
			if ok && (best < 0 || rank < best) {
				best = rank
				bestPair = p
			}
		}
		if best < 0 {
			break
		}
		merged := make([]string, 0, len(word))
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == bestPair.Left && word[i+1] == bestPair.Right {
				merged = append(merged, bestPair.Left+bestPair.Right)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}
	return word
}

// Token returns the raw vocabulary entry for id, e.g. "Ġworld".
func (t *Tokenizer) Token(id int) string {
	if tok, ok := t.decoder[id]; ok {
		return tok
	}
	return fmt.Sprintf("<unk:%d>", id)
}

func (t *Tokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		tok, ok := t.decoder[id]
		if !ok {
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteDecoder[r]; ok {
				buf = append(buf, b)
				continue
			}
			buf = utf8.AppendRune(buf, r)
		}
	}
	return strings.ToValidUTF8(string(buf), "�")
}
