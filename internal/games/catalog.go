// Package games は収集対象ゲームのカタログを提供する。
package games

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"

	"github.com/hitoshi/gamepulse/internal/model"
)

// Category はカテゴリ名とそのゲーム一覧。
type Category struct {
	Name  string
	Games []model.Game
}

// Catalog はカテゴリごとのゲーム一覧。
type Catalog struct {
	categories []Category
}

// entry はカタログファイル内のゲーム定義。
type entry struct {
	ID        json.RawMessage           `json:"id"`
	Name      string                    `json:"name"`
	Overrides map[model.Platform]string `json:"overrides"`
}

// Load はJSONファイルからカタログを読み込む。
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ゲームカタログを読み込めません: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ゲームカタログ %s: %w", path, err)
	}
	return c, nil
}

// Parse はカテゴリ名をキーとするJSONオブジェクトを解釈する。
// 各要素はアプリID（数値または文字列）か、id・name・overridesを持つオブジェクト。
// カテゴリは名前順に並ぶ。
func Parse(data []byte) (*Catalog, error) {
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("JSONの形式が不正です: %w", err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	c := &Catalog{}
	for _, name := range names {
		cat := Category{Name: name}
		for i, item := range raw[name] {
			g, err := parseGame(item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			g.Category = name
			cat.Games = append(cat.Games, g)
		}
		c.categories = append(c.categories, cat)
	}
	return c, nil
}

func parseGame(item json.RawMessage) (model.Game, error) {
	item = bytes.TrimSpace(item)
	if len(item) > 0 && item[0] == '{' {
		var e entry
		if err := json.Unmarshal(item, &e); err != nil {
			return model.Game{}, err
		}
		id, err := parseID(e.ID)
		if err != nil {
			return model.Game{}, err
		}
		return model.Game{ID: id, Name: e.Name, Overrides: e.Overrides}, nil
	}
	id, err := parseID(item)
	if err != nil {
		return model.Game{}, err
	}
	return model.Game{ID: id}, nil
}

func parseID(raw json.RawMessage) (string, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
			return "", fmt.Errorf("アプリIDが不正です: %s", n)
		}
		return n.String(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("アプリIDがありません: %s", string(raw))
}

// Categories はカテゴリ名の一覧を返す。
func (c *Catalog) Categories() []string {
	out := make([]string, len(c.categories))
	for i, cat := range c.categories {
		out[i] = cat.Name
	}
	return out
}

// Counts はカテゴリごとのゲーム数を返す。
func (c *Catalog) Counts() map[string]int {
	out := make(map[string]int, len(c.categories))
	for _, cat := range c.categories {
		out[cat.Name] = len(cat.Games)
	}
	return out
}

// Games は指定カテゴリのゲームをカテゴリ順に返す。指定がなければ全カテゴリ。
// 複数カテゴリに含まれるゲームは最初のカテゴリでのみ返す。
func (c *Catalog) Games(categories ...string) []model.Game {
	seen := make(map[string]bool)
	var out []model.Game
	for _, cat := range c.categories {
		if len(categories) > 0 && !slices.Contains(categories, cat.Name) {
			continue
		}
		for _, g := range cat.Games {
			if seen[g.ID] {
				continue
			}
			seen[g.ID] = true
			out = append(out, g)
		}
	}
	return out
}
