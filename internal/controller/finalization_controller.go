package controller

import (
	"clinical-finalize-be/internal/dto"
	"clinical-finalize-be/internal/pkg/serverutils"
	"clinical-finalize-be/internal/service"

	"github.com/gofiber/fiber/v2"
)

type IFinalizationController interface {
	RegisterRoutes(r fiber.Router)
	Open(ctx *fiber.Ctx) error
	State(ctx *fiber.Ctx) error
	Suggestions(ctx *fiber.Ctx) error
	Validate(ctx *fiber.Ctx) error
	TriggerCompose(ctx *fiber.Ctx) error
	Finalize(ctx *fiber.Ctx) error
	FinalizeAndDispatch(ctx *fiber.Ctx) error
	SubmitAttestation(ctx *fiber.Ctx) error
	StepChange(ctx *fiber.Ctx) error
	Close(ctx *fiber.Ctx) error
}

type finalizationController struct {
	finalizationService service.IFinalizationService
}

func NewFinalizationController(finalizationService service.IFinalizationService) IFinalizationController {
	return &finalizationController{
		finalizationService: finalizationService,
	}
}

func (c *finalizationController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/finalization/v1")
	h.Use(serverutils.JwtMiddleware)
	h.Post("session", c.Open)
	h.Get("session/:id/state", c.State)
	h.Post("session/:id/suggestions", c.Suggestions)
	h.Post("session/:id/validate", c.Validate)
	h.Post("session/:id/compose", c.TriggerCompose)
	h.Post("session/:id/finalize", c.Finalize)
	h.Post("session/:id/finalize-and-dispatch", c.FinalizeAndDispatch)
	h.Post("session/:id/attest", c.SubmitAttestation)
	h.Post("session/:id/step", c.StepChange)
	h.Post("session/:id/close", c.Close)
}

func (c *finalizationController) Open(ctx *fiber.Ctx) error {
	var req dto.OpenSessionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.finalizationService.Open(ctx.Context(), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success open finalization session", res))
}

func (c *finalizationController) State(ctx *fiber.Ctx) error {
	res, err := c.finalizationService.State(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get finalization state", res))
}

func (c *finalizationController) Suggestions(ctx *fiber.Ctx) error {
	res, err := c.finalizationService.Suggestions(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success fetch code suggestions", res))
}

func (c *finalizationController) Validate(ctx *fiber.Ctx) error {
	var req dto.ValidationRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.finalizationService.Validate(ctx.Context(), ctx.Params("id"), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success run pre-finalize validation", res))
}

func (c *finalizationController) TriggerCompose(ctx *fiber.Ctx) error {
	var req dto.ComposeTriggerRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return err
	}

	res, err := c.finalizationService.TriggerCompose(ctx.Context(), ctx.Params("id"), req.Force)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success trigger compose job", res))
}

func (c *finalizationController) Finalize(ctx *fiber.Ctx) error {
	var req dto.ValidationRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}

	res, err := c.finalizationService.Finalize(ctx.Context(), ctx.Params("id"), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success finalize note", res))
}

func (c *finalizationController) FinalizeAndDispatch(ctx *fiber.Ctx) error {
	var req dto.FinalizeAndDispatchRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}

	res, err := c.finalizationService.FinalizeAndDispatch(ctx.Context(), ctx.Params("id"), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success finalize and dispatch note", res))
}

func (c *finalizationController) SubmitAttestation(ctx *fiber.Ctx) error {
	var req dto.AttestationFormRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.finalizationService.SubmitAttestation(ctx.Context(), ctx.Params("id"), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success submit attestation", res))
}

func (c *finalizationController) StepChange(ctx *fiber.Ctx) error {
	var req dto.StepChangeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	c.finalizationService.StepChange(ctx.Context(), ctx.Params("id"), req.StepId)
	return ctx.JSON(serverutils.SuccessResponse[any]("Success change step", nil))
}

func (c *finalizationController) Close(ctx *fiber.Ctx) error {
	var req dto.CloseSessionRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return err
	}

	c.finalizationService.Close(ctx.Context(), ctx.Params("id"), req.Result)
	return ctx.JSON(serverutils.SuccessResponse[any]("Success close finalization session", nil))
}
