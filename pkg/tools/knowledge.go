// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/memory"
)

// Knowledge tool names.
const (
	KnowledgeSearch = "knowledge.search"
	KnowledgeIndex  = "knowledge.index"
)

// RegisterKnowledge exposes a semantic index as two tools:
//
//	knowledge.search {query, limit?} -> [{key, text, score, payload}]
//	knowledge.index  {key, text, ...} -> {indexed: key}
//
// Extra arguments given to knowledge.index are stored as payload.
func (r *Registry) RegisterKnowledge(index *memory.SemanticIndex) error {
	if err := r.Register(Tool{
		Name:        KnowledgeSearch,
		Description: "Search indexed knowledge by meaning",
		Call: func(ctx context.Context, args map[string]any) (any, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return nil, err
			}
			limit, _ := intArg(args, "limit")
			results, err := index.Search(ctx, query, limit)
			if err != nil {
				return nil, err
			}
			hits := make([]map[string]any, 0, len(results))
			for _, res := range results {
				payload := make(map[string]any, len(res.Point.Payload))
				for k, v := range res.Point.Payload {
					if k != "key" && k != "text" {
						payload[k] = v
					}
				}
				hits = append(hits, map[string]any{
					"key":     res.Point.Payload["key"],
					"text":    res.Point.Payload["text"],
					"score":   float64(res.Score),
					"payload": payload,
				})
			}
			return hits, nil
		},
	}); err != nil {
		return err
	}
	return r.Register(Tool{
		Name:        KnowledgeIndex,
		Description: "Index a document for later search",
		Call: func(ctx context.Context, args map[string]any) (any, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			text, err := stringArg(args, "text")
			if err != nil {
				return nil, err
			}
			payload := make(map[string]any, len(args))
			for k, v := range args {
				if k != "key" && k != "text" {
					payload[k] = v
				}
			}
			if err := index.Index(ctx, key, text, payload); err != nil {
				return nil, err
			}
			return map[string]any{"indexed": key}, nil
		},
	})
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", errors.Validation("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.Validation("argument %q must be a non-empty string", name)
	}
	return s, nil
}

// intArg accepts the integer shapes produced by Go callers and JSON decoding.
func intArg(args map[string]any, name string) (int, error) {
	switch v := args[name].(type) {
	case nil:
		return 0, errors.Validation("missing argument %q", name)
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, errors.Validation("argument %q must be a number, got %s", name, fmt.Sprintf("%T", v))
	}
}
