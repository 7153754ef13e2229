package configloader

import (
	"encoding/json"
	"fmt"
	"io"
)

// PrintConfig пишет итоговый конфиг в w (для --print-config).
func PrintConfig(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("configloader: print: %w", err)
	}
	_, err = fmt.Fprintf(w, "# effective configuration\n%s\n", b)
	return err
}
