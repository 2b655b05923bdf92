// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package wireproto_test

import (
	"fmt"

	"lumeforge.dev/zbe/internal/wireproto"
)

func ExampleParseOutputReference() {
	ref, err := wireproto.ParseOutputReference("/zb/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv!out")
	if err != nil {
		panic(err)
	}
	fmt.Println(ref.DrvPath)
	fmt.Println(ref.OutputName)
	// Output:
	// /zb/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv
	// out
}
