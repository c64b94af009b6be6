package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewforge/crewforge/pkg/models"
)

func spec(fields ...models.SpecField) models.Specification {
	return models.Specification{Fields: fields}
}

func TestDiffSpecifications(t *testing.T) {
	tests := []struct {
		name     string
		old      models.Specification
		next     models.Specification
		want     models.ChangeSet
		breaking bool
	}{
		{
			name: "identical specs produce empty change set",
			old:  spec(models.SpecField{Name: "amount", Type: "int", Required: true}),
			next: spec(models.SpecField{Name: "amount", Type: "int", Required: true}),
		},
		{
			name: "added optional field is non-breaking",
			old:  spec(models.SpecField{Name: "amount", Type: "int"}),
			next: spec(
				models.SpecField{Name: "amount", Type: "int"},
				models.SpecField{Name: "currency", Type: "string"},
			),
			want: models.ChangeSet{AddedFields: []string{"currency"}},
		},
		{
			name: "added required field is breaking",
			old:  spec(models.SpecField{Name: "amount", Type: "int"}),
			next: spec(
				models.SpecField{Name: "amount", Type: "int"},
				models.SpecField{Name: "currency", Type: "string", Required: true},
			),
			want: models.ChangeSet{
				AddedFields:       []string{"currency"},
				NewRequiredParams: []string{"currency"},
			},
			breaking: true,
		},
		{
			name: "removed field is breaking",
			old: spec(
				models.SpecField{Name: "amount", Type: "int"},
				models.SpecField{Name: "legacy_ref", Type: "string"},
			),
			next:     spec(models.SpecField{Name: "amount", Type: "int"}),
			want:     models.ChangeSet{RemovedFields: []string{"legacy_ref"}},
			breaking: true,
		},
		{
			name:     "type change is breaking",
			old:      spec(models.SpecField{Name: "amount", Type: "int"}),
			next:     spec(models.SpecField{Name: "amount", Type: "decimal"}),
			want:     models.ChangeSet{TypeChangedFields: []string{"amount"}},
			breaking: true,
		},
		{
			name:     "optional becoming required is breaking",
			old:      spec(models.SpecField{Name: "amount", Type: "int"}),
			next:     spec(models.SpecField{Name: "amount", Type: "int", Required: true}),
			want:     models.ChangeSet{NewRequiredParams: []string{"amount"}},
			breaking: true,
		},
		{
			name: "endpoint path change is a signature change",
			old: models.Specification{Endpoints: []models.SpecEndpoint{
				{Name: "charge", Method: "POST", Path: "/v1/charge"},
			}},
			next: models.Specification{Endpoints: []models.SpecEndpoint{
				{Name: "charge", Method: "POST", Path: "/v2/charge"},
			}},
			want:     models.ChangeSet{EndpointSignatureChanges: []string{"charge"}},
			breaking: true,
		},
		{
			name: "new endpoint param is a new required param",
			old: models.Specification{Endpoints: []models.SpecEndpoint{
				{Name: "charge", Method: "POST", Path: "/charge", Params: []string{"amount"}},
			}},
			next: models.Specification{Endpoints: []models.SpecEndpoint{
				{Name: "charge", Method: "POST", Path: "/charge", Params: []string{"amount", "currency"}},
			}},
			want:     models.ChangeSet{NewRequiredParams: []string{"charge.currency"}},
			breaking: true,
		},
		{
			name: "removed endpoint is a signature change",
			old: models.Specification{Endpoints: []models.SpecEndpoint{
				{Name: "charge", Method: "POST", Path: "/charge"},
				{Name: "refund", Method: "POST", Path: "/refund"},
			}},
			next: models.Specification{Endpoints: []models.SpecEndpoint{
				{Name: "charge", Method: "POST", Path: "/charge"},
			}},
			want:     models.ChangeSet{EndpointSignatureChanges: []string{"refund"}},
			breaking: true,
		},
		{
			name: "model field changes roll up into restructurings",
			old: models.Specification{Models: []models.SpecModel{
				{Name: "Invoice", Fields: []models.SpecField{{Name: "total", Type: "int"}}},
			}},
			next: models.Specification{Models: []models.SpecModel{
				{Name: "Invoice", Fields: []models.SpecField{{Name: "total", Type: "decimal"}}},
			}},
			want: models.ChangeSet{
				TypeChangedFields:   []string{"Invoice.total"},
				ModelRestructurings: []string{"Invoice (1 field changes)"},
			},
			breaking: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffSpecifications(tt.old, tt.next)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.breaking, got.IsBreaking())
		})
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	old := spec(
		models.SpecField{Name: "b", Type: "int"},
		models.SpecField{Name: "a", Type: "int"},
		models.SpecField{Name: "c", Type: "int"},
	)
	next := spec()

	first := DiffSpecifications(old, next)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, DiffSpecifications(old, next))
	}
	assert.Equal(t, []string{"a", "b", "c"}, first.RemovedFields)
}
