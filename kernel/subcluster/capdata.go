/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package subcluster

import (
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/store"
)

var bodyJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// bootstrapBody is the serialized form of the bootstrap Send's sole
// argument: two records, each field's value an index
// into the CapData's Slots.
type bootstrapBody struct {
	Roots    map[string]int `json:"roots"`
	Services map[string]int `json:"services"`
}

// buildBootstrapArgs assembles the CapData the bootstrap vat receives,
// referencing every declared vat's root and every requested kernel service
// by slot index.
func buildBootstrapArgs(roots map[string]ids.KRef, services map[string]ids.KRef) (*store.CapData, error) {
	body := bootstrapBody{Roots: map[string]int{}, Services: map[string]int{}}
	var slots []string

	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body.Roots[name] = len(slots)
		slots = append(slots, roots[name].String())
	}

	svcNames := make([]string, 0, len(services))
	for name := range services {
		svcNames = append(svcNames, name)
	}
	sort.Strings(svcNames)
	for _, name := range svcNames {
		body.Services[name] = len(slots)
		slots = append(slots, services[name].String())
	}

	raw, err := bodyJSON.MarshalToString(body)
	if err != nil {
		return nil, err
	}
	return &store.CapData{Body: raw, Slots: slots}, nil
}
