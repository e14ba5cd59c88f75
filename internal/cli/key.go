package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
)

type keyOut struct {
	Key       string `json:"key"`
	Kind      string `json:"kind"`
	Canonical string `json:"canonical"`
}

func newKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "key <kind> [name=value...]",
		Short: "Print the cache key for a resource and its parameters",
		Long: `Print the cache key the sync layer derives for kind and params. Integer,
float and boolean values are typed; everything else is a string. The key
can be passed to POST /v1/invalidate?key=...`,
		Example: `  syncd key reports status=active page=2`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			k := keys.Make(args[0], params)
			return a.printJSON(keyOut{Key: k.String(), Kind: k.Kind, Canonical: keys.Canonical(params)})
		},
	}
}

func parseParams(pairs []string) (keys.Params, error) {
	out := keys.Params{}
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("param %q: want name=value", p)
		}
		out[strings.TrimSpace(name)] = typed(raw)
	}
	return out, nil
}

func typed(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
