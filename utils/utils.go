package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// Random an integer within the range
func Random(a, b int) int {
	return rand.Intn(b-a+1) + a
}

func RandomFloat(a, b float64) float64 {
	return a + rand.Float64()*(b-a)
}

func RandomTime(a, b time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(b-a+1)) + int64(a))
}

func RandomBool(prob float64) bool {
	return rand.Float64() < prob
}

// Shuffle puts the elements of s in random order.
func Shuffle[T any](s []T) {
	rand.Shuffle(len(s), func(i, j int) {
		s[i], s[j] = s[j], s[i]
	})
}

// ReadFromJSON decodes the JSON file at path into v.
func ReadFromJSON(v interface{}, path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "cannot parse %s", path)
}

// PrintUsage prints every command with its arguments, sorted by command.
func PrintUsage(usage map[string]string) {
	FprintUsage(os.Stdout, usage)
}

func FprintUsage(w io.Writer, usage map[string]string) {
	cmds := make([]string, 0, len(usage))
	for cmd := range usage {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	bold := color.New(color.Bold)
	for _, cmd := range cmds {
		bold.Fprint(w, cmd)
		if usage[cmd] != "" {
			fmt.Fprint(w, " ", usage[cmd])
		}
		fmt.Fprintln(w)
	}
}
