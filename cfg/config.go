package cfg

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type argInfo struct {
	argPtr interface{}
	set    bool
}

func registerTypes(flags *flag.FlagSet, moduleOptions interface{}, argPointers map[string]*argInfo) error {
	moduleOptionsType := reflect.TypeOf(moduleOptions).Elem()

	numFields := moduleOptionsType.NumField()

	moduleOptionsValue := reflect.ValueOf(moduleOptions).Elem()

	// register flags for the module specific options
	for i := 0; i < numFields; i++ {
		field := moduleOptionsType.Field(i)

		if field.PkgPath != "" {
			continue
		}

		fieldValue := moduleOptionsValue.Field(i)

		cliName, found := field.Tag.Lookup("cli")
		if !found {
			continue
		}

		cliDescription, found := field.Tag.Lookup("desc")
		if !found {
			cliDescription = ""
		}

		switch fieldValue.Interface().(type) {
		case string:
			strRef := flags.String(cliName, "", cliDescription)
			argPointers[cliName] = &argInfo{argPtr: strRef}
		case []string:
			strRef := flags.String(cliName, "", cliDescription)
			argPointers[cliName] = &argInfo{argPtr: strRef}
		case bool:
			boolRef := flags.Bool(cliName, false, cliDescription)
			argPointers[cliName] = &argInfo{argPtr: boolRef}
		case int:
			intRef := flags.Int(cliName, 0, cliDescription)
			argPointers[cliName] = &argInfo{argPtr: intRef}
		case uint64:
			uintRef := flags.Uint64(cliName, 0, cliDescription)
			argPointers[cliName] = &argInfo{argPtr: uintRef}
		case float64:
			floatRef := flags.Float64(cliName, 0, cliDescription)
			argPointers[cliName] = &argInfo{argPtr: floatRef}
		case time.Duration:
			durationRef := flags.Duration(cliName, 0, cliDescription)
			argPointers[cliName] = &argInfo{argPtr: durationRef}
		default:
			return fmt.Errorf("type %s not handled", field.Type)
		}
	}

	return nil
}

func checkForSet(flags *flag.FlagSet, argPointers map[string]*argInfo) {
	flags.Visit(func(f *flag.Flag) {
		if _, found := argPointers[f.Name]; found {
			argPointers[f.Name].set = true
		}
	})
}

func fillOptionsWithMap(options interface{}, argPointers map[string]*argInfo) {
	t := reflect.TypeOf(options).Elem()
	v := reflect.ValueOf(options).Elem()
	for i := 0; i < t.NumField(); i++ {
		ft := t.Field(i)
		cliName, found := ft.Tag.Lookup("cli")
		if !found {
			continue
		}

		fv := v.Field(i)

		if ai, found := argPointers[cliName]; found && ai.set {
			typeInterface := fv.Interface()

			switch typeInterface.(type) {
			case string:
				fv.SetString(*ai.argPtr.(*string))
			case []string:
				argsStr := *ai.argPtr.(*string)
				args := strings.Split(argsStr, ",")

				fv.Set(reflect.ValueOf(args))
			case bool:
				fv.SetBool(*ai.argPtr.(*bool))
			case int:
				fv.SetInt(int64(*ai.argPtr.(*int)))
			case uint64:
				fv.SetUint(*ai.argPtr.(*uint64))
			case float64:
				fv.SetFloat(*ai.argPtr.(*float64))
			case time.Duration:
				fv.SetInt(int64(*ai.argPtr.(*time.Duration)))
			}
		}
	}
}

// LoadFlags loads 2 sets of options: global options defined by the GlobalOptions struct
// and local options provided by the passed moduleOptions parameter.
func LoadFlags(moduleOptions interface{}, globalOptions *GlobalOptions) error {
	return LoadFlagSet(flag.CommandLine, os.Args[1:], moduleOptions, globalOptions)
}

// LoadFlagSet is LoadFlags for an explicit flag set and argument list.
func LoadFlagSet(flags *flag.FlagSet, args []string, moduleOptions interface{}, globalOptions *GlobalOptions) error {
	argPointers := make(map[string]*argInfo)

	if err := registerTypes(flags, moduleOptions, argPointers); err != nil {
		return err
	}
	if err := registerTypes(flags, globalOptions, argPointers); err != nil {
		return err
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	checkForSet(flags, argPointers)

	// special config key needed for loading config file
	// this loads everything from the config file
	if ap, found := argPointers["config"]; found && ap.set {
		configFile := ap.argPtr.(*string)

		configBytes, err := ioutil.ReadFile(*configFile)
		if err != nil {
			return err
		}

		err = yaml.Unmarshal(configBytes, globalOptions)
		if err != nil {
			return err
		}

		err = yaml.Unmarshal(configBytes, moduleOptions)
		if err != nil {
			return err
		}
	}

	fillOptionsWithMap(moduleOptions, argPointers)
	fillOptionsWithMap(globalOptions, argPointers)

	return nil
}
