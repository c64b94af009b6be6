package contract

import (
	"fmt"
	"sort"

	"github.com/crewforge/crewforge/pkg/models"
)

// DiffSpecifications computes the change set between two versions of the
// same contract. It is purely functional: same inputs, same output, with
// every slice sorted so the result is stable across runs.
//
// Breaking-ness is derived by ChangeSet.IsBreaking: removed fields, type
// changes, new required parameters, or endpoint signature changes.
func DiffSpecifications(old, next models.Specification) models.ChangeSet {
	var cs models.ChangeSet

	diffFields(old.Fields, next.Fields, "", &cs)
	diffEndpoints(old.Endpoints, next.Endpoints, &cs)
	diffModels(old.Models, next.Models, &cs)

	sort.Strings(cs.AddedFields)
	sort.Strings(cs.RemovedFields)
	sort.Strings(cs.TypeChangedFields)
	sort.Strings(cs.EndpointSignatureChanges)
	sort.Strings(cs.NewRequiredParams)
	sort.Strings(cs.ModelRestructurings)
	return cs
}

func diffFields(old, next []models.SpecField, prefix string, cs *models.ChangeSet) {
	oldByName := make(map[string]models.SpecField, len(old))
	for _, f := range old {
		oldByName[f.Name] = f
	}
	nextByName := make(map[string]models.SpecField, len(next))
	for _, f := range next {
		nextByName[f.Name] = f
	}

	for name, nf := range nextByName {
		of, existed := oldByName[name]
		switch {
		case !existed:
			cs.AddedFields = append(cs.AddedFields, prefix+name)
			if nf.Required {
				cs.NewRequiredParams = append(cs.NewRequiredParams, prefix+name)
			}
		case of.Type != nf.Type:
			cs.TypeChangedFields = append(cs.TypeChangedFields, prefix+name)
		case !of.Required && nf.Required:
			cs.NewRequiredParams = append(cs.NewRequiredParams, prefix+name)
		}
	}
	for name := range oldByName {
		if _, kept := nextByName[name]; !kept {
			cs.RemovedFields = append(cs.RemovedFields, prefix+name)
		}
	}
}

func diffEndpoints(old, next []models.SpecEndpoint, cs *models.ChangeSet) {
	oldByName := make(map[string]models.SpecEndpoint, len(old))
	for _, e := range old {
		oldByName[e.Name] = e
	}
	nextByName := make(map[string]models.SpecEndpoint, len(next))
	for _, e := range next {
		nextByName[e.Name] = e
	}

	for name, ne := range nextByName {
		oe, existed := oldByName[name]
		if !existed {
			continue
		}
		if oe.Method != ne.Method || oe.Path != ne.Path || oe.ReturnTyp != ne.ReturnTyp {
			cs.EndpointSignatureChanges = append(cs.EndpointSignatureChanges, name)
			continue
		}
		oldParams := make(map[string]bool, len(oe.Params))
		for _, p := range oe.Params {
			oldParams[p] = true
		}
		for _, p := range ne.Params {
			if !oldParams[p] {
				cs.NewRequiredParams = append(cs.NewRequiredParams, name+"."+p)
			}
		}
		if len(ne.Params) < len(oe.Params) {
			cs.EndpointSignatureChanges = append(cs.EndpointSignatureChanges, name)
		}
	}
	for name := range oldByName {
		if _, kept := nextByName[name]; !kept {
			cs.EndpointSignatureChanges = append(cs.EndpointSignatureChanges, name)
		}
	}
}

func diffModels(old, next []models.SpecModel, cs *models.ChangeSet) {
	oldByName := make(map[string]models.SpecModel, len(old))
	for _, m := range old {
		oldByName[m.Name] = m
	}
	nextByName := make(map[string]models.SpecModel, len(next))
	for _, m := range next {
		nextByName[m.Name] = m
	}

	for name, nm := range nextByName {
		om, existed := oldByName[name]
		if !existed {
			cs.ModelRestructurings = append(cs.ModelRestructurings, name+" (added)")
			continue
		}
		var inner models.ChangeSet
		diffFields(om.Fields, nm.Fields, name+".", &inner)
		if !inner.IsEmpty() {
			cs.ModelRestructurings = append(cs.ModelRestructurings,
				fmt.Sprintf("%s (%d field changes)", name,
					len(inner.AddedFields)+len(inner.RemovedFields)+len(inner.TypeChangedFields)))
			cs.AddedFields = append(cs.AddedFields, inner.AddedFields...)
			cs.RemovedFields = append(cs.RemovedFields, inner.RemovedFields...)
			cs.TypeChangedFields = append(cs.TypeChangedFields, inner.TypeChangedFields...)
			cs.NewRequiredParams = append(cs.NewRequiredParams, inner.NewRequiredParams...)
		}
	}
	for name := range oldByName {
		if _, kept := nextByName[name]; !kept {
			cs.ModelRestructurings = append(cs.ModelRestructurings, name+" (removed)")
		}
	}
}
