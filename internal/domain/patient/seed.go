package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/healthbridge/healthbridge/internal/platform/docstore"
)

// LoadSeed creates the patients listed in a JSON array, skipping ids that
// already exist. Patient profiles are owned elsewhere; this only gives local
// and in-memory deployments something to invite caregivers to.
func LoadSeed(ctx context.Context, repo Repository, r io.Reader) (int, error) {
	var patients []*Patient
	if err := json.NewDecoder(r).Decode(&patients); err != nil {
		return 0, fmt.Errorf("decode patient seed: %w", err)
	}

	created := 0
	for _, p := range patients {
		if p.ID == "" {
			return created, fmt.Errorf("patient seed entry %q has no id", p.Name)
		}
		for i := range p.Caregivers {
			p.Caregivers[i].Email = strings.ToLower(p.Caregivers[i].Email)
			if p.Caregivers[i].Status == "" {
				p.Caregivers[i].Status = CaregiverActive
			}
		}
		err := repo.Create(ctx, p)
		if errors.Is(err, docstore.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
