package domain

import "errors"

var (
	// ErrNotFound is returned by stores and caches when a record is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput covers malformed arguments: empty token URIs,
	// nil or negative amounts, zero addresses.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotOwner is an authorization failure on asset custody.
	ErrNotOwner = errors.New("caller does not own asset")

	// ErrNotSeller is an authorization failure on listing mutation.
	ErrNotSeller = errors.New("caller is not the seller")

	// ErrUnknownAsset is a referential failure on an asset identifier.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrUnknownListing is a referential failure on a listing identifier.
	ErrUnknownListing = errors.New("unknown listing")

	// ErrWrongFee means the submitted listing fee does not exactly match the
	// platform fee.
	ErrWrongFee = errors.New("wrong listing fee amount")

	// ErrWrongPayment means the submitted payment does not exactly match the
	// asking price. Overpayment is rejected, not refunded.
	ErrWrongPayment = errors.New("wrong payment amount")

	// ErrAlreadySold is a state conflict: the listing reached its terminal
	// state and accepts no further purchases or price updates.
	ErrAlreadySold = errors.New("listing already sold")

	// ErrSelfPurchase rejects a holder buying their own listing.
	ErrSelfPurchase = errors.New("cannot buy own listing")

	// ErrNoBalance is returned by withdraw when the account has nothing
	// escrowed.
	ErrNoBalance = errors.New("no withdrawable balance")

	// ErrInvalidPrice rejects listings with a non-positive asking price.
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrRateLimited is returned when a caller exceeds the request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrLockHeld is returned when a distributed lock is already taken.
	ErrLockHeld = errors.New("lock already held")
)
