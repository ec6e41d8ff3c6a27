package dto_test

import (
	"fmt"

	"github.com/mschirtzinger/fieldsync/internal/dto"
)

func ExamplePatch() {
	base := dto.Row{"id": "l1", "title": "Loft", "price": 250000.0, "owner_id": "u1"}
	edited := dto.Row{"id": "l1", "title": "Loft", "price": 245000.0, "owner_id": nil}

	patch := dto.Patch(base, edited)
	fmt.Println(len(patch), patch["price"], patch["owner_id"])

	// Output:
	// 3 245000 <nil>
}
