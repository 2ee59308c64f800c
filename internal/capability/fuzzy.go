// fuzzy.go implements the fuzzy capability using fzf's FuzzyMatchV2
// algorithm as a library.
//
// Items may be strings or dicts. For dicts, the search text is the value at
// `key`, the values at `keys`, or every string field when neither is given.
// Results sort by descending score; the stable sort keeps ties in input
// order.

package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func fuzzyModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "fuzzy",
		Members: starlark.StringDict{
			"search":             starlark.NewBuiltin("search", fuzzySearch),
			"search_with_scores": starlark.NewBuiltin("search_with_scores", fuzzySearchWithScores),
		},
	}
}

type scoredItem struct {
	item  starlark.Value
	score int
}

func fuzzySearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	results, err := runFuzzySearch(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	items := make([]starlark.Value, len(results))
	for i, r := range results {
		items[i] = r.item
	}
	return starlark.NewList(items), nil
}

func fuzzySearchWithScores(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	results, err := runFuzzySearch(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	items := make([]starlark.Value, len(results))
	for i, r := range results {
		d := starlark.NewDict(2)
		_ = d.SetKey(starlark.String("item"), r.item)
		_ = d.SetKey(starlark.String("score"), starlark.MakeInt(r.score))
		items[i] = d
	}
	return starlark.NewList(items), nil
}

func runFuzzySearch(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) ([]scoredItem, error) {
	var query string
	var items, key, keys, limit starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"query", &query, "items", &items, "key?", &key, "keys?", &keys, "limit?", &limit); err != nil {
		return nil, err
	}

	name := "fuzzy." + b.Name()
	searchKeys, err := parseSearchKeys(name, key, keys)
	if err != nil {
		return nil, err
	}
	limitN, err := parseLimit(name, limit)
	if err != nil {
		return nil, err
	}

	iterable, ok := items.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: items must be iterable, got %s", name, items.Type())
	}

	pattern := []rune(strings.ToLower(query))
	slab := util.MakeSlab(100*1024, 2048)

	var results []scoredItem
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		text, ok := searchText(item, searchKeys)
		if !ok {
			continue
		}
		chars := util.ToChars([]byte(text))
		match, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
		if match.Score > 0 {
			results = append(results, scoredItem{item: item, score: match.Score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	if limitN > 0 && len(results) > limitN {
		results = results[:limitN]
	}
	return results, nil
}

// parseSearchKeys selects which dict fields contribute to the match text.
// nil means all string fields.
func parseSearchKeys(name string, key, keys starlark.Value) ([]string, error) {
	keySet := key != nil && key != starlark.None
	keysSet := keys != nil && keys != starlark.None
	if keySet && keysSet {
		return nil, fmt.Errorf("%s: key and keys are mutually exclusive", name)
	}
	if keySet {
		s, ok := starlark.AsString(key)
		if !ok {
			return nil, fmt.Errorf("%s: key must be a string, got %s", name, key.Type())
		}
		return []string{s}, nil
	}
	if keysSet {
		list, err := stringList(keys, name+": keys")
		if err != nil {
			return nil, err
		}
		return list, nil
	}
	return nil, nil
}

func parseLimit(name string, limit starlark.Value) (int, error) {
	if limit == nil || limit == starlark.None {
		return 0, nil
	}
	n, err := starlark.AsInt32(limit)
	if err != nil {
		return 0, fmt.Errorf("%s: limit must be an int, got %s", name, limit.Type())
	}
	return n, nil
}

// searchText extracts the text an item is matched against. Strings match
// themselves; dicts contribute the selected fields joined by spaces.
func searchText(item starlark.Value, keys []string) (string, bool) {
	if s, ok := starlark.AsString(item); ok {
		return s, true
	}
	mapping, ok := item.(starlark.IterableMapping)
	if !ok {
		return "", false
	}

	var parts []string
	if keys == nil {
		for _, entry := range mapping.Items() {
			if s, ok := starlark.AsString(entry[1]); ok {
				parts = append(parts, s)
			}
		}
	} else {
		for _, k := range keys {
			v, found, err := mapping.Get(starlark.String(k))
			if err != nil || !found {
				continue
			}
			if s, ok := starlark.AsString(v); ok {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}
