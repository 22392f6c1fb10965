package util

import "github.com/shopspring/decimal"

var Hundred = decimal.NewFromInt(100)
