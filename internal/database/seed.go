package database

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/charmbracelet/log"
)

// LotWriter stores catalog lots. Service implements it.
type LotWriter interface {
	UpsertLot(ctx context.Context, lot types.LotRecord) error
}

// Seed reads a lot list in the catalog wire format and upserts every lot.
// It returns how many lots were written before the first failure.
func Seed(ctx context.Context, w LotWriter, r io.Reader) (int, error) {
	var list types.LotList
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return 0, errors.Fatal(errors.ErrValidation, err, "error decoding seed lots")
	}

	for i, lot := range list.Items {
		if lot.ID == "" {
			return i, errors.New(errors.ErrValidation, fmt.Sprintf("seed lot %d has no id", i))
		}
		if lot.Status.Rank() == 0 {
			return i, errors.New(errors.ErrValidation, fmt.Sprintf("seed lot %s has unknown status %q", lot.ID, lot.Status))
		}
		if err := w.UpsertLot(ctx, lot); err != nil {
			return i, err
		}
	}
	log.Info("Seeded lots", "count", len(list.Items))
	return len(list.Items), nil
}
