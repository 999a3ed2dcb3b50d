package dss

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/coldstor/caskd/pkg/types"
)

// Inventory is the YAML document accepted by "caskd apply": the devices
// and media an administrator registers into the metadata store.
type Inventory struct {
	Devices []InventoryDevice `yaml:"devices,omitempty"`
	Media   []InventoryMedium `yaml:"media,omitempty"`
}

// InventoryDevice declares one drive.
type InventoryDevice struct {
	ID     string `yaml:"id"`
	Family string `yaml:"family"`
	Model  string `yaml:"model,omitempty"`
	Path   string `yaml:"path"`
	Host   string `yaml:"host"`
	Unlock bool   `yaml:"unlock,omitempty"`
}

// InventoryMedium declares one cartridge or directory.
type InventoryMedium struct {
	ID     string   `yaml:"id"`
	Family string   `yaml:"family"`
	Model  string   `yaml:"model,omitempty"`
	FSType string   `yaml:"fs_type"`
	Tags   []string `yaml:"tags,omitempty"`
	Unlock bool     `yaml:"unlock,omitempty"`
}

// ParseInventory decodes an inventory document.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return &inv, nil
}

// Apply upserts the inventory into the store. New resources start locked
// unless the entry asks for unlock; already-registered rows keep their
// runtime state and only refresh the declared attributes.
func (inv *Inventory) Apply(store Store) error {
	for _, d := range inv.Devices {
		fam, err := types.ParseFamily(d.Family)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		adm := types.AdmLocked
		if d.Unlock {
			adm = types.AdmUnlocked
		}
		if existing, err := store.GetDevice(d.ID); err == nil {
			adm = existing.AdmStatus
		}
		if err := store.SetDevice(&types.Device{
			ID:        d.ID,
			Family:    fam,
			Model:     d.Model,
			Path:      d.Path,
			Host:      d.Host,
			AdmStatus: adm,
		}); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}

	for _, m := range inv.Media {
		fam, err := types.ParseFamily(m.Family)
		if err != nil {
			return fmt.Errorf("medium %s: %w", m.ID, err)
		}
		adm := types.AdmLocked
		if m.Unlock {
			adm = types.AdmUnlocked
		}
		medium := &types.Medium{
			ID:        m.ID,
			Family:    fam,
			Model:     m.Model,
			AdmStatus: adm,
			FSType:    types.FSType(m.FSType),
			AddrType:  types.AddrHash1,
			FSStatus:  types.FSBlank,
			Tags:      m.Tags,
		}
		if existing, err := store.GetMedium(m.ID); err == nil {
			medium.AdmStatus = existing.AdmStatus
			medium.FSStatus = existing.FSStatus
			medium.Stats = existing.Stats
		}
		if err := store.SetMedium(medium); err != nil {
			return fmt.Errorf("medium %s: %w", m.ID, err)
		}
	}
	return nil
}
