// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package drv

import (
	"cmp"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"lumeforge.dev/zbe/internal/sortedset"
	"zombiezen.com/go/nix"
)

func derivationMarshalTests(tb testing.TB) []*Derivation {
	return []*Derivation{
		{
			Dir:     "/zb/store",
			Name:    "hello",
			System:  "x86_64-linux",
			Builder: "/bin/sh",
			Args:    []string{"-c", "echo 'Hello' > $out"},
			Env: map[string]string{
				"builder": "/bin/sh",
				"name":    "hello",
				"out":     HashPlaceholder("out"),
			},
			InputDerivations: map[Path]*sortedset.Set[string]{},
			Outputs: map[string]*DerivationOutput{
				"out": RecursiveFileFloatingCAOutput(nix.SHA256),
			},
		},
		{
			Dir:              "/zb/store",
			Name:             "fixed.txt",
			System:           "x86_64-linux",
			Builder:          "/bin/sh",
			Args:             []string{"-c", "echo -n 'Hello, World!' > $out"},
			Env:              map[string]string{"out": "placeholder"},
			InputDerivations: map[Path]*sortedset.Set[string]{},
			Outputs: map[string]*DerivationOutput{
				"out": FixedCAOutput(nix.FlatFileContentAddress(hashString(tb, nix.SHA256, "Hello, World!"))),
			},
		},
	}
}

func TestDerivationMarshalRoundTrip(t *testing.T) {
	for _, test := range derivationMarshalTests(t) {
		t.Run(test.Name, func(t *testing.T) {
			data, err := test.MarshalText()
			if err != nil {
				t.Fatal(err)
			}
			got, err := ParseDerivation(test.Dir, test.Name, data)
			if err != nil {
				t.Fatalf("ParseDerivation(%q): %v\ndata: %s", test.Name, err, data)
			}
			diff := gocmp.Diff(test, got,
				cmpopts.EquateEmpty(),
				gocmp.AllowUnexported(DerivationOutput{}),
				transformSortedSet[Path](),
				transformSortedSet[string](),
			)
			if diff != "" {
				t.Errorf("round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDerivationOutputPath(t *testing.T) {
	tests := []struct {
		name       string
		out        *DerivationOutput
		drvName    string
		outputName string
		want       Path
	}{
		{
			name:       "Text",
			out:        FixedCAOutput(nix.TextContentAddress(hashString(t, nix.SHA256, "Hello, World!\n"))),
			drvName:    "hello.txt",
			outputName: "out",
			want:       "/zb/store/q4dz47g15qmlsm01aijr737w8avkaac6-hello.txt",
		},
		{
			name:       "FlatFile",
			out:        FixedCAOutput(nix.FlatFileContentAddress(hashString(t, nix.SHA256, "Hello, World!\n"))),
			drvName:    "hello.txt",
			outputName: "out",
			want:       "/zb/store/22lrzcnq9ch2f3sz8d2idrm9gn72vcy2-hello.txt",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok := test.out.Path("/zb/store", test.drvName, test.outputName)
			if !ok {
				t.Fatalf("out.Path(%q, %q, %q) reported not ok", "/zb/store", test.drvName, test.outputName)
			}
			if got != test.want {
				t.Errorf("out.Path(%q, %q, %q) = %q; want %q", "/zb/store", test.drvName, test.outputName, got, test.want)
			}
		})
	}
}

func TestParseOutputReference(t *testing.T) {
	const s = "/zb/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv!out"
	ref, err := ParseOutputReference(s)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ref.DrvPath, Path("/zb/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv"); got != want {
		t.Errorf("DrvPath = %q; want %q", got, want)
	}
	if got, want := ref.OutputName, "out"; got != want {
		t.Errorf("OutputName = %q; want %q", got, want)
	}
	if got := ref.String(); got != s {
		t.Errorf("String() = %q; want %q", got, s)
	}
}

func hashString(tb testing.TB, typ nix.HashType, s string) nix.Hash {
	tb.Helper()
	h := nix.NewHasher(typ)
	h.WriteString(s)
	return h.SumHash()
}

func transformSortedSet[E cmp.Ordered]() gocmp.Option {
	return gocmp.Transformer("transformSortedSet", func(s sortedset.Set[E]) []E {
		list := make([]E, s.Len())
		for i := range list {
			list[i] = s.At(i)
		}
		return list
	})
}
