package repository

import (
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// queryer picks the transaction handle when one is supplied, falling back to the pool.
func queryer(q sqlx.ExtContext, db *sqlx.DB) sqlx.ExtContext {
	if q != nil {
		return q
	}
	return db
}

func pageBounds(page, size int) (uint64, uint64) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	return uint64(size), uint64((page - 1) * size)
}

func sortDirection(order string) string {
	if strings.EqualFold(order, "asc") {
		return "ASC"
	}
	return "DESC"
}

func likePattern(search string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(search))
	return "%" + escaped + "%"
}
