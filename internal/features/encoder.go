package features

import (
	"fmt"
	"sort"
)

// LabelEncoder maps category strings to dense integer class indices.
// Classes are kept sorted so the index of a class matches the fitted encoder.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

// NewLabelEncoder builds an encoder from fitted classes.
func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	sorted := append([]string(nil), classes...)
	sort.Strings(sorted)

	index := make(map[string]int, len(sorted))
	for i, c := range sorted {
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate encoder class %q", c)
		}
		index[c] = i
	}
	return &LabelEncoder{classes: sorted, index: index}, nil
}

// Classes returns the fitted classes in index order.
func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Has reports whether class was seen at fit time.
func (e *LabelEncoder) Has(class string) bool {
	_, ok := e.index[class]
	return ok
}

// Encode returns the class index, or false for unseen classes.
func (e *LabelEncoder) Encode(class string) (int, bool) {
	i, ok := e.index[class]
	return i, ok
}

// EncodeOr encodes class, substituting fallback when class is unseen.
// fallback must itself be a fitted class; State.Validate guarantees it.
func (e *LabelEncoder) EncodeOr(class, fallback string) (int, string) {
	if i, ok := e.index[class]; ok {
		return i, class
	}
	return e.index[fallback], fallback
}

// Len returns the number of classes.
func (e *LabelEncoder) Len() int {
	return len(e.classes)
}
