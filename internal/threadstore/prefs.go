package threadstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/store"
)

// PreferencesKey holds the pin/mute choices. Only non-default entries are
// stored.
const PreferencesKey = "weft.thread-prefs.v1"

func loadPreferences(kv Storage) (map[string]model.ThreadPreference, error) {
	prefs := make(map[string]model.ThreadPreference)
	if kv == nil {
		return prefs, nil
	}
	raw, err := kv.Get(PreferencesKey)
	if errors.Is(err, store.ErrNotFound) {
		return prefs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read thread preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, fmt.Errorf("decode thread preferences: %w", err)
	}
	for id, p := range prefs {
		if p.IsDefault() {
			delete(prefs, id)
		}
	}
	return prefs, nil
}

func savePreferences(kv Storage, prefs map[string]model.ThreadPreference) error {
	if kv == nil {
		return nil
	}
	if len(prefs) == 0 {
		return kv.Delete(PreferencesKey)
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode thread preferences: %w", err)
	}
	if err := kv.Set(PreferencesKey, string(raw)); err != nil {
		return fmt.Errorf("write thread preferences: %w", err)
	}
	return nil
}
