package ledger

import "github.com/zinlatt/presenced/internal/idgen"

func defaultID() string {
	return idgen.WithPrefix("mut_")
}
