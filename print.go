package zorel

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/table"
)

// PrintRelations writes one table per registered repository listing its relations.
func (e *Engine) PrintRelations(w io.Writer) error {
	e.mu.RLock()
	names := append([]string(nil), e.order...)
	e.mu.RUnlock()

	for _, name := range names {
		defs := e.Definitions(name)
		if _, err := fmt.Fprintf(w, "%s\n", name); err != nil {
			return err
		}
		tw := table.NewWriter()
		tw.AppendHeader(table.Row{"Attribute", "Kind", "Related", "Local Key", "Distant Key", "Through", "Strategy"})
		for _, def := range defs {
			tw.AppendRow(table.Row{
				def.Attribute,
				def.Kind,
				relatedName(def),
				def.LocalKey,
				def.DistantKey,
				throughName(def),
				def.Strategy,
			})
		}
		if _, err := fmt.Fprintln(w, tw.Render()); err != nil {
			return err
		}
	}
	return nil
}

func relatedName(def *Definition) string {
	switch def.Kind {
	case MorphTo:
		values := make([]string, 0, len(def.Morph))
		for v, t := range def.Morph {
			values = append(values, v+"="+t.Repository)
		}
		sort.Strings(values)
		return def.Discriminator + "{" + strings.Join(values, ",") + "}"
	case MorphOne, MorphMany:
		return fmt.Sprintf("%s[%s=%s]", def.Related, def.Discriminator, def.MorphValue)
	}
	return def.Related
}

func throughName(def *Definition) string {
	if def.Through == "" {
		return ""
	}
	return fmt.Sprintf("%s(%s,%s)", def.Through, def.ThroughLocalKey, def.ThroughDistantKey)
}
