// Package catalog declares the registries a regsyncd node serves.
//
// Materials are a fixed-type table validated by a JSON schema. Weapons are
// polymorphic: each file declares "arms:blade" or "arms:bow". Blades refer to
// their material through a holder, so a blade follows material reloads
// without being reloaded itself.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/condition"
	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/loader"
	"github.com/danmuck/regsync/internal/registry"
	"github.com/danmuck/regsync/internal/replication"
	"github.com/rs/zerolog"
)

const (
	MaterialsPath = "arms/materials"
	WeaponsPath   = "arms/weapons"
)

var (
	BladeTag = ident.MustParse("arms:blade")
	BowTag   = ident.MustParse("arms:bow")
)

var ErrInvalidWeapon = errors.New("catalog: invalid weapon")

const materialSchema = `{
	"type": "object",
	"required": ["hardness"],
	"properties": {
		"hardness": {"type": "integer", "minimum": 0},
		"color": {"type": "string"}
	}
}`

type Material struct {
	Hardness int    `json:"hardness" msgpack:"hardness"`
	Color    string `json:"color,omitempty" msgpack:"color,omitempty"`
}

func (Material) CodecTag() ident.ID { return codec.DefaultTag }

// Weapon is any value stored in the weapons registry.
type Weapon interface {
	codec.Tagged
	Power() int
}

type Blade struct {
	Damage   int
	Material *registry.Holder[Material]
}

func (Blade) CodecTag() ident.ID { return BladeTag }

// Power scales damage by the bound material's hardness. An unbound material
// counts as hardness one.
func (b Blade) Power() int {
	hardness := 1
	if b.Material != nil {
		if m, err := b.Material.Get(); err == nil && m.Hardness > 0 {
			hardness = m.Hardness
		}
	}
	return b.Damage * hardness
}

type Bow struct {
	Range int `json:"range" msgpack:"range"`
	Draw  int `json:"draw" msgpack:"draw"`
}

func (Bow) CodecTag() ident.ID { return BowTag }

func (b Bow) Power() int {
	return b.Draw
}

// bladeDoc is the stored form of a Blade.
type bladeDoc struct {
	Type     string   `json:"type" msgpack:"type"`
	Damage   int      `json:"damage" msgpack:"damage"`
	Material ident.ID `json:"material,omitzero" msgpack:"material"`
}

type bowDoc struct {
	Type string `json:"type" msgpack:"type"`
	Bow
}

// Registry is what the daemon needs from each catalog member.
type Registry interface {
	replication.Syncable
	Info() registry.Info
	Document(id ident.ID) (codec.Payload, bool, error)
	Reload(ctx context.Context, batch codec.Batch) (registry.ApplyReport, error)
	SetConditionContext(ctx condition.Context)
}

type Options struct {
	Logger  *zerolog.Logger
	Metrics registry.Metrics
	Workers int
}

type Catalog struct {
	Materials *registry.Registry[Material]
	Weapons   *registry.Registry[Weapon]
}

func New(opts Options) (*Catalog, error) {
	materialTable := codec.NewFixed[Material]("materials")
	materialReg, err := codec.WithSchema(codec.JSONOf[Material](), "material.json", []byte(materialSchema))
	if err != nil {
		return nil, err
	}
	if err := materialTable.Register(codec.DefaultTag, materialReg); err != nil {
		return nil, err
	}
	materials, err := registry.New(registry.Config[Material]{
		Path:       MaterialsPath,
		Synced:     true,
		Codecs:     materialTable,
		Conditions: condition.NewHCL(),
		Logger:     opts.Logger,
		Workers:    opts.Workers,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	weaponTable := codec.NewPolymorphic[Weapon]("weapons")
	blade := codec.JSON(
		func(d bladeDoc) Weapon {
			h := materials.EmptyHolder()
			if !d.Material.IsZero() {
				h = materials.Holder(d.Material)
			}
			return Blade{Damage: d.Damage, Material: h}
		},
		func(w Weapon) (bladeDoc, bool) {
			b, ok := w.(Blade)
			if !ok {
				return bladeDoc{}, false
			}
			d := bladeDoc{Type: BladeTag.String(), Damage: b.Damage}
			if b.Material != nil && b.Material.ID() != ident.Empty {
				d.Material = b.Material.ID()
			}
			return d, true
		},
	)
	bow := codec.JSON(
		func(d bowDoc) Weapon { return d.Bow },
		func(w Weapon) (bowDoc, bool) {
			b, ok := w.(Bow)
			return bowDoc{Type: BowTag.String(), Bow: b}, ok
		},
	)
	if err := weaponTable.Register(BladeTag, blade); err != nil {
		return nil, err
	}
	if err := weaponTable.Register(BowTag, bow); err != nil {
		return nil, err
	}
	weapons, err := registry.New(registry.Config[Weapon]{
		Path:       WeaponsPath,
		Synced:     true,
		Codecs:     weaponTable,
		Validate:   validateWeapon,
		Conditions: condition.NewHCL(),
		Logger:     opts.Logger,
		Workers:    opts.Workers,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Catalog{Materials: materials, Weapons: weapons}, nil
}

func validateWeapon(id ident.ID, w Weapon) error {
	switch v := w.(type) {
	case Blade:
		if v.Damage <= 0 {
			return fmt.Errorf("%w: %s: blade damage must be positive", ErrInvalidWeapon, id)
		}
	case Bow:
		if v.Range <= 0 {
			return fmt.Errorf("%w: %s: bow range must be positive", ErrInvalidWeapon, id)
		}
	}
	return nil
}

// Registries lists members in load order; materials come first so blades
// bind on the same reload.
func (c *Catalog) Registries() []Registry {
	return []Registry{c.Materials, c.Weapons}
}

// Load reloads every member from src under condCtx. A failing member does
// not stop the others.
func (c *Catalog) Load(ctx context.Context, src loader.Source, condCtx condition.Context) error {
	var errs []error
	for _, r := range c.Registries() {
		batch, err := src.LoadBatch(ctx, r.Path())
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", r.Path(), err))
			continue
		}
		r.SetConditionContext(condCtx)
		if _, err := r.Reload(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", r.Path(), err))
		}
	}
	return errors.Join(errs...)
}

// Register adds every member to dir.
func (c *Catalog) Register(dir *replication.Directory) error {
	for _, r := range c.Registries() {
		if err := dir.Register(r); err != nil {
			return err
		}
	}
	return nil
}
