package registry

import (
	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
)

// Info is a point-in-time summary of one registry.
type Info struct {
	Path       string   `json:"path"`
	Synced     bool     `json:"synced"`
	Codecs     string   `json:"codecs"`
	Tags       []string `json:"tags"`
	Entries    int      `json:"entries"`
	Holders    int      `json:"holders"`
	Generation uint64   `json:"generation"`
	Reloading  bool     `json:"reloading"`
}

func (r *Registry[V]) Info() Info {
	st := r.live.Load()
	tags := r.codecs.Tags()
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.String())
	}
	return Info{
		Path:       r.path,
		Synced:     r.synced,
		Codecs:     r.codecs.Name(),
		Tags:       names,
		Entries:    len(st.entries),
		Holders:    r.Holders(),
		Generation: st.generation,
		Reloading:  st.reloading,
	}
}

// Document encodes the live value for id in its file form.
func (r *Registry[V]) Document(id ident.ID) (codec.Payload, bool, error) {
	v, ok := r.Lookup(id)
	if !ok {
		return nil, false, nil
	}
	p, err := r.codecs.Encode(v)
	if err != nil {
		return nil, true, err
	}
	return p, true, nil
}
