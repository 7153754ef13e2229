package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Source описывает, откуда собирать конфиг.
//
// Path     : YAML-файл (пустой → только ENV + defaults);
// EnvPrefix: префикс ENV переменных, например "TICKER";
// Flags    : флаги CLI; FlagKeys сопоставляет ключ конфига с именем флага.
type Source struct {
	Path      string
	EnvPrefix string
	Flags     *pflag.FlagSet
	FlagKeys  map[string]string
	// Strict: ключи из файла, которых нет в структуре, считаются ошибкой.
	Strict bool
}

// Load загружает конфиг в cfgPtr: из YAML + ENV + defaults.
// envPrefix: префикс ENV переменных, например: "TICKER"
func Load(path, envPrefix string, cfgPtr interface{}) error {
	return LoadFrom(Source{Path: path, EnvPrefix: envPrefix}, cfgPtr)
}

// LoadFrom: как Load, но дополнительно учитывает флаги CLI.
// Приоритет: flag (если задан явно) > ENV > файл > defaults.
func LoadFrom(src Source, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: apply registered defaults
	for key, val := range defaultsSnapshot() {
		v.SetDefault(key, val)
	}

	// Шаг 2: environment override
	if src.EnvPrefix != "" {
		v.SetEnvPrefix(src.EnvPrefix)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Шаг 3: read file (if provided)
	if src.Path != "" {
		v.SetConfigFile(src.Path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", src.Path, err)
		}
	}

	// Шаг 4: CLI flags
	if src.Flags != nil {
		for key, name := range src.FlagKeys {
			f := src.Flags.Lookup(name)
			if f == nil {
				return fmt.Errorf("configloader: unknown flag %q for key %q", name, key)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("configloader: bind flag %q: %w", name, err)
			}
		}
	}

	// Шаг 5: decode
	if err := decode(v.AllSettings(), cfgPtr, src.Strict); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 6: validate if possible
	if v, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}

	return nil
}
