package mode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/store"
)

// GetPersistedMode reads the dispatch mode from the "proxy" config row,
// defaulting to passthrough if the row or field is absent.
func GetPersistedMode(ctx context.Context, s store.RecordStore) (reqctx.Mode, error) {
	row, err := s.GetConfig(ctx, store.ConfigTypeProxy)
	if err != nil {
		return "", err
	}
	if row == nil {
		return reqctx.ModePassthrough, nil
	}

	var decoded struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(row.Config, &decoded); err != nil || decoded.Mode == "" {
		return reqctx.ModePassthrough, nil
	}
	return reqctx.Mode(decoded.Mode), nil
}

// SetPersistedMode writes m into the "proxy" config row, preserving any
// other fields (e.g. replay latency rules) already present in it.
func SetPersistedMode(ctx context.Context, s store.RecordStore, m reqctx.Mode) error {
	fields := make(map[string]json.RawMessage)

	row, err := s.GetConfig(ctx, store.ConfigTypeProxy)
	if err != nil {
		return err
	}
	if row != nil {
		json.Unmarshal(row.Config, &fields)
	}

	modeJSON, err := json.Marshal(string(m))
	if err != nil {
		return err
	}
	fields["mode"] = modeJSON

	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	return s.PutConfig(ctx, &store.ConfigRow{
		Type:      store.ConfigTypeProxy,
		Config:    data,
		UpdatedAt: time.Now(),
	})
}
