package mutation

import (
	"strings"
	"time"

	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/storage"
	"github.com/nainya/chatstore/pkg/store"
	"github.com/nainya/chatstore/pkg/tokenize"
)

// Reindex replaces the search token of one entity inside tx. Text without
// tokens leaves no row.
func Reindex(tx *store.Tx, typ string, ref int64, text string, now time.Time) error {
	if err := DropTokens(tx, typ, ref); err != nil {
		return err
	}
	tokens := tokenize.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	_, err := store.SearchTokens.Insert(tx, &model.SearchToken{
		Tokens:      tokens,
		Type:        typ,
		ReferenceID: ref,
		CreatedAt:   now,
	})
	return err
}

// DropTokens deletes every search token of one entity.
func DropTokens(tx *store.Tx, typ string, ref int64) error {
	ids, err := store.SearchTokens.IDs(tx, store.On(store.IdxTypeReference, storage.String(typ), storage.Int64(ref)))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := store.SearchTokens.Delete(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// ProjectText is the text a project's search token is built from.
func ProjectText(p *model.Project) string {
	return strings.Join(append([]string{p.Name}, p.Context...), " ")
}
