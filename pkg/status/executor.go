package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

var errNoExecutor = errors.New("executor document is empty")

// executorDoc mirrors one element of an Allure widgets/executors.json.
type executorDoc struct {
	BuildName  *string `mapstructure:"buildName"`
	BuildURL   *string `mapstructure:"buildUrl"`
	BuildOrder any     `mapstructure:"buildOrder"`
}

// ParseExecutor reads the CI identity from an executors.json document. The
// document may be a single object or a list, in which case the first
// element is used. Missing keys yield nil fields.
func ParseExecutor(text string) (*Pipeline, error) {
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("decoding executor json: %w", err)
	}

	if list, ok := raw.([]any); ok {
		if len(list) == 0 {
			return nil, errNoExecutor
		}

		raw = list[0]
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("executor json is %T, expected object", raw)
	}

	var doc executorDoc
	if err := mapstructure.WeakDecode(obj, &doc); err != nil {
		return nil, fmt.Errorf("decoding executor fields: %w", err)
	}

	return &Pipeline{
		Name:       doc.BuildName,
		URL:        doc.BuildURL,
		BuildOrder: buildOrder(doc.BuildOrder),
	}, nil
}

// buildOrder accepts integral numbers or numeric strings.
func buildOrder(v any) *int64 {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.Abs(t) > math.MaxInt64 {
			return nil
		}

		n := int64(t)

		return &n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}

		return &n
	default:
		return nil
	}
}
