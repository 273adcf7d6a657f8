package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	cacheMu sync.Mutex
	cache   = make(map[reflect.Type]any)

	dotenvOnce sync.Once
)

// Load populates v from environment variables according to its `env` tags.
//
// The first call reads a .env file from the working directory if one exists;
// variables already present in the process environment win. Every config type
// is parsed once and the result is cached, so later calls return the same values
// even if the environment changes. Failed parses are not cached.
//
//	type GatewayConfig struct {
//		PublicID  string `env:"GATEWAY_PUBLIC_ID,required"`
//		APISecret string `env:"GATEWAY_API_SECRET,required"`
//	}
//
//	var cfg GatewayConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	return LoadWithOptions(v, env.Options{})
}

// LoadWithOptions is Load with caarlos0/env parse options, e.g. a Prefix to
// read the same struct for several instances.
func LoadWithOptions[T any](v *T, opts env.Options) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		// A missing .env file is the normal case outside local development.
		_ = godotenv.Load()
	})

	key := reflect.TypeFor[T]()
	if opts.Prefix != "" {
		key = reflect.StructOf([]reflect.StructField{{
			Name: "Prefixed",
			Type: key,
			Tag:  reflect.StructTag(fmt.Sprintf(`prefix:%q`, opts.Prefix)),
		}})
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}

	var parsed T
	if err := env.ParseWithOptions(&parsed, opts); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	cache[key] = parsed
	*v = parsed
	return nil
}

// MustLoad works like Load but panics on failure. Use it for settings the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
