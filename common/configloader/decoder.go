package configloader

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// decode переносит настройки viper в структуру. ENV приходит строками,
// поэтому ввод слабо типизирован: "3" → uint64, "0.5" → float64.
// strict=true превращает неизвестные ключи (опечатки в YAML) в ошибку.
func decode(input map[string]interface{}, target interface{}, strict bool) error {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "mapstructure",
		Result:   target,
		Metadata: &md,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			trimmedSliceHook,
			stringToBoolHook,
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return err
	}
	if strict && len(md.Unused) > 0 {
		return fmt.Errorf("unknown keys: %s", strings.Join(md.Unused, ", "))
	}
	return nil
}

// trimmedSliceHook: "a, b,,c" → [a b c]. Пустая строка даёт пустой список.
func trimmedSliceHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f != reflect.String || t != reflect.Slice {
		return data, nil
	}
	raw := data.(string)
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(strings.TrimSpace(data.(string)))
	}
	return data, nil
}
