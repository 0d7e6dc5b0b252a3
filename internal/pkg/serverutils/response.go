package serverutils

import (
	"errors"
	"fmt"

	"clinical-finalize-be/pkg/finalize/dispatch"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// BaseResponse is the envelope every facade endpoint returns.
type BaseResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

func SuccessResponse[T any](message string, data T) BaseResponse[T] {
	return BaseResponse[T]{Message: message, Data: data}
}

var validate = validator.New()

// ValidateRequest runs struct-tag validation and converts failures into a 400.
func ValidateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
	}
	return nil
}

// ErrorHandlerMiddleware maps the orchestrator error taxonomy onto HTTP
// statuses: blocked validation state is a 409, missing prerequisites 412,
// everything else falls back to fiber's defaults.
func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		code := fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &fiberErr):
			code = fiberErr.Code
		case errors.Is(err, dispatch.ErrBlocked):
			code = fiber.StatusConflict
		case errors.Is(err, dispatch.ErrNotFinalized), errors.Is(err, dispatch.ErrNoSession):
			code = fiber.StatusPreconditionFailed
		case errors.Is(err, dispatch.ErrSuperseded):
			// Superseded pre-checks are cancellations, not failures.
			return ctx.Status(fiber.StatusAccepted).JSON(BaseResponse[any]{Message: "Superseded by newer input"})
		}

		return ctx.Status(code).JSON(BaseResponse[any]{Message: err.Error()})
	}
}
